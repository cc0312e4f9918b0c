// internal/common/camunda/client.go
package camunda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"application-lifecycle/internal/common/errors"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Client is the Zeebe connection shared by the job workers and the
// lifecycle message publisher.
type Client struct {
	client zbc.Client
	config *ClientConfig
}

type ClientConfig struct {
	GatewayAddress         string
	UsePlaintextConnection bool
	ConnectionTimeout      time.Duration
	RequestTimeout         time.Duration
	// MessageTTL is how long a published message waits for a subscriber.
	MessageTTL  time.Duration
	RetryConfig *RetryConfig
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 3,
	BaseDelay:  1 * time.Second,
	MaxDelay:   10 * time.Second,
}

// NewClientWithConfig dials the gateway and fails unless the broker answers
// a topology request within ConnectionTimeout.
func NewClientWithConfig(config *ClientConfig) (*Client, error) {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MessageTTL <= 0 {
		config.MessageTTL = time.Hour
	}

	zeebeClient, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         config.GatewayAddress,
		UsePlaintextConnection: config.UsePlaintextConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Zeebe client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()

	if _, err := zeebeClient.NewTopologyCommand().Send(ctx); err != nil {
		zeebeClient.Close()
		return nil, fmt.Errorf("failed to connect to Zeebe broker at %s: %w", config.GatewayAddress, err)
	}

	return &Client{client: zeebeClient, config: config}, nil
}

// GetClient returns the raw Zeebe client for job polling.
func (c *Client) GetClient() zbc.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}

// PublishMessage publishes a message correlated by correlationKey (the
// application id for lifecycle messages).
func (c *Client) PublishMessage(ctx context.Context, name, correlationKey string, variables map[string]interface{}) error {
	_, err := c.ExecuteWithRetry(ctx, func(ctx context.Context) (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()

		cmd, err := c.client.NewPublishMessageCommand().
			MessageName(name).
			CorrelationKey(correlationKey).
			TimeToLive(c.config.MessageTTL).
			VariablesFromMap(variables)
		if err != nil {
			return nil, errors.NewValidationErrorf("message %s variables: %v", name, err)
		}
		return cmd.Send(reqCtx)
	}, "publish-message:"+name)
	return err
}

// ExecuteWithRetry runs commandFunc with exponential backoff while the
// failure is transient. The final error is a StandardError.
func (c *Client) ExecuteWithRetry(
	ctx context.Context,
	commandFunc func(context.Context) (interface{}, error),
	operationName string,
) (interface{}, error) {
	rc := c.config.RetryConfig
	for attempt := 0; ; attempt++ {
		result, err := commandFunc(ctx)
		if err == nil {
			return result, nil
		}
		if errors.AsStandard(err).Code == errors.ErrCodeValidation {
			return nil, err
		}
		if !isTransient(err) || attempt == rc.MaxRetries {
			return nil, mapZeebeError(err, operationName, attempt)
		}

		delay := rc.BaseDelay * time.Duration(1<<attempt)
		if delay > rc.MaxDelay {
			delay = rc.MaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.NewExternalServiceError("zeebe",
				fmt.Errorf("%s cancelled after %d attempts: %w", operationName, attempt+1, ctx.Err()))
		}
	}
}

// grpcCode extracts the gRPC status code. Errors that carry none are
// classified from their text.
func grpcCode(err error) codes.Code {
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return s.Code()
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return codes.NotFound
	case strings.Contains(msg, "already exists"):
		return codes.AlreadyExists
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "unauthorized"):
		return codes.PermissionDenied
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return codes.DeadlineExceeded
	case strings.Contains(msg, "resource_exhausted"):
		return codes.ResourceExhausted
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "unavailable"), strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "broken pipe"):
		return codes.Unavailable
	}
	return codes.Unknown
}

func isTransient(err error) bool {
	switch grpcCode(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// mapZeebeError converts a gateway failure into a StandardError.
func mapZeebeError(err error, operation string, attempt int) error {
	desc := fmt.Sprintf("zeebe %s failed", operation)
	if attempt > 0 {
		desc += fmt.Sprintf(" after %d attempts", attempt+1)
	}

	switch grpcCode(err) {
	case codes.NotFound:
		return errors.NewNotFoundError("zeebe resource", fmt.Sprintf("%s: %v", desc, err))
	case codes.AlreadyExists:
		return errors.NewConflictError("zeebe resource", operation)
	case codes.PermissionDenied, codes.Unauthenticated:
		return errors.NewForbiddenError(fmt.Sprintf("%s: %v", desc, err))
	default:
		return errors.NewExternalServiceError("zeebe", fmt.Errorf("%s: %w", desc, err))
	}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()

	if _, err := c.client.NewTopologyCommand().Send(ctx); err != nil {
		return fmt.Errorf("zeebe health check failed: %w", err)
	}
	return nil
}
