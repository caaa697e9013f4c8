package authority

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment selects the authority deployment to talk to
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

const (
	productionEndpoint = "https://www1.agenciatributaria.gob.es/wlpl/TIKE-CONT/ws/SistemaFacturacion"
	sandboxEndpoint    = "https://prewww1.aeat.es/wlpl/TIKE-CONT/ws/SistemaFacturacion"

	submissionsPath   = "/submissions"
	defaultTimeout    = 30 * time.Second
	maxResponseBytes  = 4 << 20
	contentTypeMarkup = "application/xml"
)

// Config holds the connection settings shared by every entity's client
type Config struct {
	// Environment selects the default endpoint
	Environment Environment `mapstructure:"environment" validate:"required,oneof=production sandbox"`
	// Endpoint overrides the environment's default base URL
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
	// Timeout bounds every call, TLS handshake included
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	// RequestsPerSecond limits calls per client; zero disables limiting
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
	UserAgent         string  `mapstructure:"user_agent"`
}

// Errors for configuration validation
var (
	ErrInvalidConfig      = errors.New("authority: invalid configuration")
	ErrMissingCertificate = errors.New("authority: missing client certificate")
	ErrMissingUsername    = errors.New("authority: missing username")
	ErrMissingPassword    = errors.New("authority: missing password")
	ErrInvalidCertificate = errors.New("authority: invalid client certificate")
)

var validate = validator.New()

// DefaultConfig returns sandbox settings
func DefaultConfig() Config {
	return Config{
		Environment:       EnvironmentSandbox,
		Timeout:           defaultTimeout,
		RequestsPerSecond: 5,
		Burst:             5,
		UserAgent:         "verifactu-ledger/1.0",
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// BaseURL returns the endpoint calls are made against
func (c Config) BaseURL() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	if c.Environment == EnvironmentProduction {
		return productionEndpoint
	}
	return sandboxEndpoint
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}
