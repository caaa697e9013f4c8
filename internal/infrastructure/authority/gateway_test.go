package authority

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

type countingProvider struct {
	inner CredentialProvider
	calls atomic.Int32
}

func (p *countingProvider) Credentials(ctx context.Context, entityID string) (*Credentials, error) {
	p.calls.Add(1)
	return p.inner.Credentials(ctx, entityID)
}

func TestGateway_CachesClientPerEntity(t *testing.T) {
	srv := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeAck(w, http.StatusOK, acceptedAck)
			return
		}
		writeAck(w, http.StatusOK, `<Acknowledgment><StatusCode>Correcto</StatusCode></Acknowledgment>`)
	})

	static := NewStaticCredentialProvider()
	static.Register("B12345678", srv.creds)
	provider := &countingProvider{inner: static}

	gw, err := NewGateway(srv.config(), provider, nil, WithRootCAs(srv.rootCAs()))
	require.NoError(t, err)

	ack, err := gw.Submit(context.Background(), "B12345678", []byte("<doc/>"))
	require.NoError(t, err)
	assert.Equal(t, "CSV-0001", ack.TrackingReference)

	status, err := gw.CheckStatus(context.Background(), "B12345678", ack.TrackingReference)
	require.NoError(t, err)
	assert.Equal(t, fiscal.AckAccepted, status.Status)
	assert.Equal(t, int32(1), provider.calls.Load())

	gw.Invalidate("B12345678")
	_, err = gw.CheckStatus(context.Background(), "B12345678", ack.TrackingReference)
	require.NoError(t, err)
	assert.Equal(t, int32(2), provider.calls.Load())
}

func TestGateway_UnknownEntityIsRetryable(t *testing.T) {
	gw, err := NewGateway(DefaultConfig(), NewStaticCredentialProvider(), nil)
	require.NoError(t, err)

	_, err = gw.Submit(context.Background(), "unknown", []byte("<doc/>"))
	var te *fiscal.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "load credentials", te.Op)
}

func TestNewGateway_InvalidConfig(t *testing.T) {
	_, err := NewGateway(Config{}, NewStaticCredentialProvider(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
