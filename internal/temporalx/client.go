package temporalx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// NewClient dials Temporal with bounded retry/backoff and returns (nil, nil)
// when TEMPORAL_ADDRESS is unset — callers treat a nil client as "Temporal
// execution path disabled, use the SQL worker only".
func NewClient(log *logger.Logger) (temporalsdkclient.Client, error) {
	cfg := LoadConfig()
	if cfg.Address == "" {
		if log != nil {
			log.Info("TEMPORAL_ADDRESS not set; Temporal execution path disabled")
		}
		return nil, nil
	}

	opts := temporalsdkclient.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    log,
	}

	if cfg.ClientCertPath != "" || cfg.ClientKeyPath != "" || cfg.ClientCAPath != "" {
		tlsCfg, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.ConnectionOptions.TLS = tlsCfg
	}

	dialTimeout := 5 * time.Second
	maxWait := 60 * time.Second
	backoff := 250 * time.Millisecond
	backoffMax := 5 * time.Second

	deadline := time.Now().Add(maxWait)
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		c, err := temporalsdkclient.DialContext(ctx, opts)
		cancel()
		if err == nil {
			if log != nil && attempt > 1 {
				log.Info("connected to Temporal", "address", cfg.Address, "namespace", cfg.Namespace, "attempts", attempt)
			}
			return c, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
		}
		if log != nil {
			log.Warn("Temporal not reachable; retrying", "address", cfg.Address, "namespace", cfg.Namespace, "attempt", attempt, "error", err)
		}
		time.Sleep(clampBackoff(backoff, backoffMax, attempt))
	}
}

// EnsureNamespace verifies the configured namespace exists and registers it
// when missing. Intended for local/self-hosted Temporal; Temporal Cloud
// namespaces are expected to be pre-provisioned.
func EnsureNamespace(ctx context.Context, cfg Config, log *logger.Logger) error {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" || cfg.Address == "" {
		return nil
	}

	nsOpts := temporalsdkclient.Options{HostPort: cfg.Address, Logger: log}
	if cfg.ClientCertPath != "" || cfg.ClientKeyPath != "" || cfg.ClientCAPath != "" {
		tlsCfg, err := loadTLSConfig(cfg)
		if err != nil {
			return err
		}
		nsOpts.ConnectionOptions.TLS = tlsCfg
	}
	nsClient, err := temporalsdkclient.NewNamespaceClient(nsOpts)
	if err != nil {
		return fmt.Errorf("temporal namespace ensure: init namespace client: %w", err)
	}
	defer nsClient.Close()

	if ctx == nil {
		ctx = context.Background()
	}

	var describeErr error
	for attempt := 1; attempt <= 3; attempt++ {
		describeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, describeErr = nsClient.Describe(describeCtx, namespace)
		cancel()
		if describeErr == nil {
			return nil
		}
		if !isRetryableRPC(describeErr) {
			break
		}
		time.Sleep(clampBackoff(250*time.Millisecond, 2*time.Second, attempt))
	}

	var nfe *serviceerror.NamespaceNotFound
	if !errors.As(describeErr, &nfe) {
		return fmt.Errorf("temporal namespace ensure: describe namespace: %w", describeErr)
	}

	var regErr error
	for attempt := 1; attempt <= 3; attempt++ {
		registerCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		regErr = nsClient.Register(registerCtx, &workflowservice.RegisterNamespaceRequest{
			Namespace:                        namespace,
			Description:                      "orchestration-core auto-registered namespace",
			WorkflowExecutionRetentionPeriod: durationpb.New(7 * 24 * time.Hour),
		})
		cancel()
		if regErr == nil {
			if log != nil {
				log.Info("registered Temporal namespace", "namespace", namespace)
			}
			return nil
		}
		var already *serviceerror.NamespaceAlreadyExists
		if errors.As(regErr, &already) {
			return nil
		}
		if !isRetryableRPC(regErr) {
			break
		}
		time.Sleep(clampBackoff(250*time.Millisecond, 2*time.Second, attempt))
	}
	return fmt.Errorf("temporal namespace ensure: register namespace: %w", regErr)
}

func loadTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.ClientCertPath == "" || cfg.ClientKeyPath == "" {
		return nil, fmt.Errorf("temporal tls: both TEMPORAL_CLIENT_CERT_PATH and TEMPORAL_CLIENT_KEY_PATH are required when enabling mTLS")
	}
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("temporal tls: load client cert/key: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("temporal tls: read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("temporal tls: invalid CA pem")
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func clampBackoff(base, max time.Duration, attempt int) time.Duration {
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if sleep >= max {
			return max
		}
	}
	if sleep > max {
		return max
	}
	return sleep
}

// isRetryableRPC classifies a gRPC error the same way the rest of this
// repo's retry logic does (internal/clients/external's breaker, the GCP
// speech client's retryLR): Unavailable/ResourceExhausted/DeadlineExceeded
// are transient, everything else is not.
func isRetryableRPC(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return errors.Is(err, context.DeadlineExceeded)
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
