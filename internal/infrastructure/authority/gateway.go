package authority

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

// Gateway implements fiscal.Authority by keeping one mTLS client per entity,
// built lazily from the credential provider.
type Gateway struct {
	config   Config
	provider CredentialProvider
	opts     []ClientOption
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

var _ fiscal.Authority = (*Gateway)(nil)

// NewGateway creates a gateway. opts are applied to every client it builds.
func NewGateway(config Config, provider CredentialProvider, logger *zap.Logger, opts ...ClientOption) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		config:   config,
		provider: provider,
		opts:     append([]ClientOption{WithLogger(logger)}, opts...),
		logger:   logger,
		clients:  make(map[string]*Client),
	}, nil
}

// Submit implements fiscal.Authority
func (g *Gateway) Submit(ctx context.Context, entityID string, signed []byte) (*fiscal.AckResponse, error) {
	client, err := g.clientFor(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return client.Submit(ctx, signed)
}

// CheckStatus implements fiscal.Authority
func (g *Gateway) CheckStatus(ctx context.Context, entityID, trackingReference string) (*fiscal.AckResponse, error) {
	client, err := g.clientFor(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return client.CheckStatus(ctx, trackingReference)
}

// Invalidate drops the cached client so the next call reloads credentials,
// e.g. after a certificate rotation.
func (g *Gateway) Invalidate(entityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, entityID)
}

func (g *Gateway) clientFor(ctx context.Context, entityID string) (*Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[entityID]; ok {
		return c, nil
	}
	creds, err := g.provider.Credentials(ctx, entityID)
	if err != nil {
		// the credential store may be briefly unreachable; keep the record retryable
		return nil, &fiscal.TransportError{Op: "load credentials", Err: err}
	}
	c, err := NewClient(g.config, creds, g.opts...)
	if err != nil {
		return nil, err
	}
	g.clients[entityID] = c
	g.logger.Info("authority client created",
		zap.String("entity_id", entityID),
		zap.String("endpoint", g.config.BaseURL()),
	)
	return c, nil
}
