package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/verifactu/internal/domain/fiscal"
)

const (
	testUser     = "B12345678"
	testPassword = "s3cret"
)

// generateClientCert returns a self-signed client certificate usable as its
// own trust anchor.
func generateClientCert(t *testing.T) (certPEM, keyPEM []byte, cert *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "B12345678", Organization: []string{"Test Issuer"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err = x509.ParseCertificate(der)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, cert
}

type authorityServer struct {
	*httptest.Server
	creds *Credentials
	calls atomic.Int32
}

// newAuthorityServer starts a TLS server that requires the generated client
// certificate and Basic credentials before calling handler.
func newAuthorityServer(t *testing.T, handler http.HandlerFunc) *authorityServer {
	t.Helper()
	certPEM, keyPEM, cert := generateClientCert(t)
	creds, err := CredentialsFromPEM(certPEM, keyPEM, testUser, testPassword)
	require.NoError(t, err)

	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(cert)

	s := &authorityServer{creds: creds}
	s.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != testUser || pass != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		handler(w, r)
	}))
	s.TLS = &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  clientCAs,
	}
	s.StartTLS()
	t.Cleanup(s.Close)
	return s
}

func (s *authorityServer) config() Config {
	cfg := DefaultConfig()
	cfg.Endpoint = s.URL
	cfg.Timeout = 2 * time.Second
	cfg.RequestsPerSecond = 0
	return cfg
}

func (s *authorityServer) rootCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.Certificate())
	return pool
}

func (s *authorityServer) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(s.config(), s.creds, WithRootCAs(s.rootCAs()))
	require.NoError(t, err)
	return c
}

func writeAck(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

const acceptedAck = `<?xml version="1.0" encoding="UTF-8"?>
<Acknowledgment xmlns="urn:fiscal:ledger:1.0">
  <StatusCode>Correcto</StatusCode>
  <TrackingReference>CSV-0001</TrackingReference>
</Acknowledgment>`

const rejectedAck = `<Acknowledgment>
  <StatusCode>Incorrecto</StatusCode>
  <TrackingReference>CSV-0002</TrackingReference>
  <RecordResults>
    <RecordResult><RecordID>VERI-INV-001</RecordID><Code>4102</Code><Message>El NIF no está identificado</Message></RecordResult>
    <RecordResult><RecordID>VERI-INV-002</RecordID><Code>1100</Code><Message>Valor del campo ImporteTotal incorrecto</Message></RecordResult>
  </RecordResults>
</Acknowledgment>`

func TestClient_SubmitAccepted(t *testing.T) {
	var gotBody, gotType, gotPath string
	srv := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotType = r.Header.Get("Content-Type")
		gotPath = r.Method + " " + r.URL.Path
		writeAck(w, http.StatusOK, acceptedAck)
	})

	ack, err := srv.client(t).Submit(context.Background(), []byte("<FiscalDocument/>"))
	require.NoError(t, err)

	assert.Equal(t, fiscal.AckAccepted, ack.Status)
	assert.Equal(t, "Correcto", ack.StatusCode)
	assert.Equal(t, "CSV-0001", ack.TrackingReference)
	assert.Empty(t, ack.RecordErrors)
	assert.Equal(t, "<FiscalDocument/>", gotBody)
	assert.Equal(t, "application/xml", gotType)
	assert.Equal(t, "POST /submissions", gotPath)
}

func TestClient_SubmitRejectionIsReturnedNotRaised(t *testing.T) {
	srv := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeAck(w, http.StatusOK, rejectedAck)
	})

	ack, err := srv.client(t).Submit(context.Background(), []byte("<doc/>"))
	require.NoError(t, err)

	assert.Equal(t, fiscal.AckRejected, ack.Status)
	assert.False(t, ack.IsSuccess())
	assert.Equal(t, []string{"El NIF no está identificado"}, ack.ErrorsFor("VERI-INV-001"))
	assert.Equal(t, "4102", ack.RecordErrors[0].Code)
	assert.Len(t, ack.Messages(), 2)
}

func TestClient_RejectionWithClientErrorStatus(t *testing.T) {
	srv := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeAck(w, http.StatusUnprocessableEntity, rejectedAck)
	})

	ack, err := srv.client(t).Submit(context.Background(), []byte("<doc/>"))
	require.NoError(t, err)
	assert.Equal(t, fiscal.AckRejected, ack.Status)
}

func TestClient_CheckStatus(t *testing.T) {
	var gotPath string
	srv := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.EscapedPath()
		writeAck(w, http.StatusOK, `<Acknowledgment><StatusCode>EnProceso</StatusCode></Acknowledgment>`)
	})
	client := srv.client(t)

	for i := 0; i < 3; i++ {
		ack, err := client.CheckStatus(context.Background(), "CSV/0001")
		require.NoError(t, err)
		assert.Equal(t, fiscal.AckInProgress, ack.Status)
		assert.Equal(t, "CSV/0001", ack.TrackingReference)
	}
	assert.Equal(t, "GET /submissions/CSV%2F0001", gotPath)
	assert.Equal(t, int32(3), srv.calls.Load())

	_, err := client.CheckStatus(context.Background(), "")
	assert.Error(t, err)
}

func TestClient_TransportFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		client  func(t *testing.T, srv *authorityServer) *Client
	}{
		{
			name:    "server error",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
		},
		{
			name:    "unauthorized without acknowledgment",
			handler: func(w http.ResponseWriter, r *http.Request) { writeAck(w, http.StatusOK, acceptedAck) },
			client: func(t *testing.T, srv *authorityServer) *Client {
				creds := *srv.creds
				creds.Password = "wrong"
				c, err := NewClient(srv.config(), &creds, WithRootCAs(srv.rootCAs()))
				require.NoError(t, err)
				return c
			},
		},
		{
			name:    "untrusted server certificate",
			handler: func(w http.ResponseWriter, r *http.Request) { writeAck(w, http.StatusOK, acceptedAck) },
			client: func(t *testing.T, srv *authorityServer) *Client {
				c, err := NewClient(srv.config(), srv.creds)
				require.NoError(t, err)
				return c
			},
		},
		{
			name:    "client certificate not accepted",
			handler: func(w http.ResponseWriter, r *http.Request) { writeAck(w, http.StatusOK, acceptedAck) },
			client: func(t *testing.T, srv *authorityServer) *Client {
				certPEM, keyPEM, _ := generateClientCert(t)
				other, err := CredentialsFromPEM(certPEM, keyPEM, testUser, testPassword)
				require.NoError(t, err)
				c, err := NewClient(srv.config(), other, WithRootCAs(srv.rootCAs()))
				require.NoError(t, err)
				return c
			},
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(2 * time.Second):
				case <-r.Context().Done():
				}
			},
			client: func(t *testing.T, srv *authorityServer) *Client {
				cfg := srv.config()
				cfg.Timeout = 100 * time.Millisecond
				c, err := NewClient(cfg, srv.creds, WithRootCAs(srv.rootCAs()))
				require.NoError(t, err)
				return c
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newAuthorityServer(t, tt.handler)
			client := srv.client(t)
			if tt.client != nil {
				client = tt.client(t, srv)
			}

			ack, err := client.Submit(context.Background(), []byte("<doc/>"))
			require.Error(t, err)
			assert.Nil(t, ack)

			var te *fiscal.TransportError
			require.True(t, errors.As(err, &te), "got %T: %v", err, err)
			assert.Equal(t, "submit", te.Op)
			assert.True(t, fiscal.IsRetryable(err))
		})
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {})
	client := srv.client(t)
	srv.Close()

	_, err := client.CheckStatus(context.Background(), "CSV-1")
	var te *fiscal.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "check_status", te.Op)
}

func TestClient_MalformedAcknowledgment(t *testing.T) {
	bodies := map[string]string{
		"not markup":           "<html>maintenance",
		"missing status":       "<Acknowledgment><TrackingReference>x</TrackingReference></Acknowledgment>",
		"unknown status":       "<Acknowledgment><StatusCode>Quizas</StatusCode></Acknowledgment>",
		"accepted without ref": "<Acknowledgment><StatusCode>Correcto</StatusCode></Acknowledgment>",
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeAck(w, http.StatusOK, body)
			})
			_, err := srv.client(t).Submit(context.Background(), []byte("<doc/>"))
			assert.ErrorIs(t, err, fiscal.ErrMalformedAcknowledgment)
			assert.True(t, fiscal.IsRetryable(err))
		})
	}
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	srv := newAuthorityServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeAck(w, http.StatusOK, acceptedAck)
	})
	cfg := srv.config()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	client, err := NewClient(cfg, srv.creds, WithRootCAs(srv.rootCAs()))
	require.NoError(t, err)

	_, err = client.Submit(context.Background(), []byte("<doc/>"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Submit(ctx, []byte("<doc/>"))
	var te *fiscal.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, int32(1), srv.calls.Load())
}

func TestNewClient_Validation(t *testing.T) {
	certPEM, keyPEM, _ := generateClientCert(t)
	creds, err := CredentialsFromPEM(certPEM, keyPEM, testUser, testPassword)
	require.NoError(t, err)

	_, err = NewClient(Config{Environment: "staging"}, creds)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	noUser := *creds
	noUser.Username = ""
	_, err = NewClient(DefaultConfig(), &noUser)
	assert.ErrorIs(t, err, ErrMissingUsername)

	noPass := *creds
	noPass.Password = ""
	_, err = NewClient(DefaultConfig(), &noPass)
	assert.ErrorIs(t, err, ErrMissingPassword)

	_, err = NewClient(DefaultConfig(), &Credentials{Username: "u", Password: "p"})
	assert.ErrorIs(t, err, ErrMissingCertificate)
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, sandboxEndpoint, cfg.BaseURL())

	cfg.Environment = EnvironmentProduction
	assert.Equal(t, productionEndpoint, cfg.BaseURL())
	assert.NotEqual(t, sandboxEndpoint, cfg.BaseURL())

	cfg.Endpoint = "https://authority.test/api/"
	assert.Equal(t, "https://authority.test/api", cfg.BaseURL())

	cfg.Endpoint = "not a url"
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.True(t, strings.Contains(err.Error(), "Endpoint"))

	cfg = DefaultConfig()
	cfg.RequestsPerSecond = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestCredentials(t *testing.T) {
	_, err := CredentialsFromPEM([]byte("nope"), []byte("nope"), "u", "p")
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	_, err = CredentialsFromPKCS12([]byte("not a bundle"), "pass", "u", "p")
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	_, err = CredentialsFromPKCS12File("testdata/does-not-exist.p12", "pass", "u", "p")
	assert.Error(t, err)
}
