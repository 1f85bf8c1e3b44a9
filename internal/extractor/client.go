// Package extractor talks to the remote feature-extraction service that turns
// a camera frame into a feature vector.
package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/internal/metrics"
	"github.com/scrypster/feederwatch/pkg/types"
)

// Extraction is the result of one extractor call.
type Extraction struct {
	Vector     []float32 `json:"vector"`
	Confidence float64   `json:"confidence"` // detector confidence in [0,1]
	Label      string    `json:"label,omitempty"`
}

// FeatureExtractor turns an image into a feature vector.
type FeatureExtractor interface {
	ExtractFeatureVector(ctx context.Context, image []byte) (Extraction, error)
}

// HealthChecker is implemented by extractors that can report on the remote
// service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
	BreakerState() string
}

// Config configures the HTTP client.
type Config struct {
	// BaseURL is the extractor root, e.g. http://localhost:8500.
	BaseURL string

	// Timeout is the per-request timeout (default: 10s).
	Timeout time.Duration

	// RatePerSecond caps outbound requests (default: 5). Burst is the token
	// bucket size (default: 5).
	RatePerSecond float64
	Burst         int

	Breaker BreakerConfig
}

// embeddingPath is the extractor endpoint.
const embeddingPath = "/v1/vision/embedding"

type embeddingRequest struct {
	Image string `json:"image"` // base64
}

type embeddingResponse struct {
	Vector     []float32 `json:"vector"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
	Detected   *bool     `json:"detected,omitempty"`
}

// Client is an HTTP FeatureExtractor. Calls are rate limited and wrapped in a
// circuit breaker; every failure of the service itself surfaces as
// ErrUpstreamUnavailable.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	breaker *CircuitBreaker
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *logrus.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records extractor calls.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates an extractor client.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("extractor: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	c.breaker = NewCircuitBreaker(cfg.Breaker, c.logger)
	return c, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// ExtractFeatureVector sends image to the extractor. An image without a
// detection is ErrInvalidInput; transport errors, non-2xx responses and an
// open circuit are ErrUpstreamUnavailable.
func (c *Client) ExtractFeatureVector(ctx context.Context, image []byte) (Extraction, error) {
	if len(image) == 0 {
		return Extraction{}, fmt.Errorf("%w: image is empty", types.ErrInvalidInput)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.RecordExtraction("error")
		return Extraction{}, fmt.Errorf("%w: extractor rate limit: %w", types.ErrUpstreamUnavailable, err)
	}

	ex, err := c.breaker.Execute(ctx, func() (Extraction, error) {
		return c.extract(ctx, image)
	})
	if err != nil {
		c.metrics.RecordExtraction("error")
		if errors.Is(err, ErrCircuitOpen) {
			return Extraction{}, fmt.Errorf("%w: extractor: %w", types.ErrUpstreamUnavailable, err)
		}
		return Extraction{}, err
	}
	c.metrics.RecordExtraction("ok")
	return ex, nil
}

func (c *Client) extract(ctx context.Context, image []byte) (Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(embeddingRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+embeddingPath, bytes.NewReader(body))
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: extractor request failed: %w", types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Extraction{}, fmt.Errorf("%w: extractor found no subject: %s", types.ErrInvalidInput, strings.TrimSpace(string(msg)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Extraction{}, fmt.Errorf("%w: extractor returned status %d: %s", types.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Extraction{}, fmt.Errorf("%w: failed to decode extractor response: %w", types.ErrUpstreamUnavailable, err)
	}
	if (out.Detected != nil && !*out.Detected) || len(out.Vector) == 0 {
		return Extraction{}, fmt.Errorf("%w: extractor found no subject", types.ErrInvalidInput)
	}

	c.logger.WithFields(logrus.Fields{
		"dimension":  len(out.Vector),
		"confidence": out.Confidence,
		"label":      out.Label,
	}).Debug("extractor: feature vector extracted")

	return Extraction{Vector: out.Vector, Confidence: out.Confidence, Label: out.Label}, nil
}

// BreakerState returns the circuit breaker state: "closed", "open" or
// "half-open".
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// HealthCheck verifies the extractor answers on /healthz. It bypasses the
// circuit breaker.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: extractor unreachable: %w", types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: extractor health returned status %d", types.ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}
