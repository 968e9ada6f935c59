package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/mofsci/internal/config"
	"github.com/fyrsmithlabs/mofsci/internal/logging"
	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

const (
	defaultMaxTokens   = 2048
	defaultMaxRetries  = 3
	defaultBaseBackoff = 1 * time.Second
	defaultRateLimit   = 1.0
	defaultBurst       = 2
)

// ErrNoProvider is returned by NewModel when no LLM backend is configured.
var ErrNoProvider = errors.New("no llm provider configured")

// NewModel builds a langchaingo model for the configured provider.
func NewModel(cfg config.LLMConfig) (llms.Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithToken(tokenOrPlaceholder(cfg.APIKey)),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai model: %w", err)
		}
		return llm, nil
	case "anthropic":
		if cfg.BaseURL != "" {
			return nil, errors.New("base_url is not supported for the anthropic provider")
		}
		llm, err := anthropic.New(
			anthropic.WithModel(cfg.Model),
			anthropic.WithToken(cfg.APIKey.Value()),
		)
		if err != nil {
			return nil, fmt.Errorf("creating anthropic model: %w", err)
		}
		return llm, nil
	case "", "none":
		return nil, ErrNoProvider
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// OpenAI-compatible local servers accept any token, but langchaingo
// requires one.
func tokenOrPlaceholder(s config.Secret) string {
	if s.IsSet() {
		return s.Value()
	}
	return "unused"
}

// Client sends system/user prompt pairs to a model with rate limiting and
// retries.
type Client struct {
	model       llms.Model
	limiter     *rate.Limiter
	maxRetries  int
	backoff     time.Duration
	temperature float64
	maxTokens   int
	logger      *logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRateLimit sets requests per second and burst.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMaxRetries sets how many times a failed request is retried.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the base delay between retries.
func WithBackoff(d time.Duration) ClientOption {
	return func(c *Client) { c.backoff = d }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ClientOption {
	return func(c *Client) { c.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *logging.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient wraps model.
func NewClient(model llms.Model, opts ...ClientOption) *Client {
	c := &Client{
		model:      model,
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries: defaultMaxRetries,
		backoff:    defaultBaseBackoff,
		maxTokens:  defaultMaxTokens,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig builds the model and client from configuration.
func NewClientFromConfig(cfg config.LLMConfig, logger *logging.Logger) (*Client, error) {
	model, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(model,
		WithRateLimit(cfg.RateLimit, defaultBurst),
		WithMaxRetries(cfg.MaxRetries),
		WithTemperature(cfg.Temperature),
		WithClientLogger(logger),
	), nil
}

// Complete sends one system and one user message and returns the reply
// text.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := c.model.GenerateContent(ctx, messages,
			llms.WithTemperature(c.temperature),
			llms.WithMaxTokens(c.maxTokens),
		)
		if err == nil {
			if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
				return "", fmt.Errorf("%w: empty completion", orchestrator.ErrMalformedOutput)
			}
			return resp.Choices[0].Content, nil
		}

		lastErr = err
		if !isRetryableError(ctx, err) {
			return "", err
		}
		c.logger.Warn(ctx, "llm request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err))
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableError treats everything except cancellation as transient:
// langchaingo does not expose HTTP status codes uniformly across providers.
func isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
