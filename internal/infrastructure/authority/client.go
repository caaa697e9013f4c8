// Package authority delivers signed fiscal documents to the tax authority
// over mutual TLS and normalizes its acknowledgments.
package authority

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/telemetry"
)

// Client talks to the authority on behalf of one issuing entity
type Client struct {
	config     Config
	creds      *Credentials
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// ClientOption configures a Client
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger    *zap.Logger
	rootCAs   *x509.CertPool
	transport http.RoundTripper
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithRootCAs trusts pool instead of the system roots when verifying the
// authority's server certificate
func WithRootCAs(pool *x509.CertPool) ClientOption {
	return func(o *clientOptions) {
		o.rootCAs = pool
	}
}

// WithTransport replaces the mTLS transport. Callers own its TLS settings.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOptions) {
		o.transport = rt
	}
}

// NewClient creates a client presenting creds on every connection
func NewClient(config Config, creds *Credentials, opts ...ClientOption) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	o := clientOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	transport := o.transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion:   tls.VersionTLS12,
				Certificates: []tls.Certificate{creds.Certificate},
				RootCAs:      o.rootCAs,
			},
			TLSHandshakeTimeout: config.timeout(),
			MaxIdleConnsPerHost: 4,
		}
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &Client{
		config: config,
		creds:  creds,
		httpClient: &http.Client{
			Timeout:   config.timeout(),
			Transport: transport,
		},
		limiter: limiter,
		logger:  o.logger,
	}, nil
}

// Submit delivers a signed document. A rejection is returned in the
// acknowledgment, not as an error; errors are *fiscal.TransportError or
// wrap fiscal.ErrMalformedAcknowledgment and are both retryable.
func (c *Client) Submit(ctx context.Context, signed []byte) (*fiscal.AckResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "authority.submit",
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute("fiscal.document_bytes", len(signed)),
	)
	defer span.End()

	ack, err := c.do(ctx, "submit", http.MethodPost, submissionsPath, signed)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if ack.IsSuccess() && ack.TrackingReference == "" {
		err := fmt.Errorf("%w: accepted submission without tracking reference", fiscal.ErrMalformedAcknowledgment)
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttributes(span,
		"fiscal.status_code", ack.StatusCode,
		"fiscal.tracking_reference", ack.TrackingReference,
	)
	return ack, nil
}

// CheckStatus reads the current outcome of a previous submission. It is an
// idempotent read.
func (c *Client) CheckStatus(ctx context.Context, trackingReference string) (*fiscal.AckResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "authority.check_status",
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute("fiscal.tracking_reference", trackingReference),
	)
	defer span.End()

	if trackingReference == "" {
		return nil, fmt.Errorf("authority: tracking reference is required")
	}
	ack, err := c.do(ctx, "check_status", http.MethodGet, submissionsPath+"/"+url.PathEscape(trackingReference), nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if ack.TrackingReference == "" {
		ack.TrackingReference = trackingReference
	}
	telemetry.SetAttribute(span, "fiscal.status_code", ack.StatusCode)
	return ack, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) (*fiscal.AckResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &fiscal.TransportError{Op: op, Err: err}
		}
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL()+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("authority: failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeMarkup)
	}
	req.Header.Set("Accept", contentTypeMarkup)
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	req.SetBasicAuth(c.creds.Username, c.creds.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("authority call failed", zap.String("op", op), zap.Error(err))
		return nil, &fiscal.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &fiscal.TransportError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	ack, parseErr := parseAcknowledgment(respBody)
	if resp.StatusCode >= 300 {
		// an error status carrying a well-formed rejection is still an answer
		if parseErr == nil && resp.StatusCode < 500 && ack.Status == fiscal.AckRejected {
			return ack, nil
		}
		return nil, &fiscal.TransportError{Op: op, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	if parseErr != nil {
		c.logger.Warn("malformed acknowledgment",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.Error(parseErr),
		)
		return nil, parseErr
	}

	c.logger.Debug("authority acknowledgment",
		zap.String("op", op),
		zap.String("status_code", ack.StatusCode),
		zap.String("tracking_reference", ack.TrackingReference),
		zap.Int("record_errors", len(ack.RecordErrors)),
	)
	return ack, nil
}
