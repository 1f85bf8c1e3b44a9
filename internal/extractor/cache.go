package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/scrypster/feederwatch/internal/metrics"
)

// CachingExtractor memoizes extractions by image digest. Cameras often
// re-send the same frame when a motion trigger fires twice.
type CachingExtractor struct {
	next    FeatureExtractor
	cache   *cache.Cache
	metrics *metrics.Metrics
}

// NewCachingExtractor wraps next with a cache holding results for ttl.
func NewCachingExtractor(next FeatureExtractor, ttl time.Duration, m *metrics.Metrics) *CachingExtractor {
	return &CachingExtractor{
		next:    next,
		cache:   cache.New(ttl, 2*ttl),
		metrics: m,
	}
}

// ExtractFeatureVector implements FeatureExtractor. Failures are never cached.
func (c *CachingExtractor) ExtractFeatureVector(ctx context.Context, image []byte) (Extraction, error) {
	key := digest(image)
	if cached, ok := c.cache.Get(key); ok {
		c.metrics.RecordExtraction("cached")
		return copyExtraction(cached.(Extraction)), nil
	}

	ex, err := c.next.ExtractFeatureVector(ctx, image)
	if err != nil {
		return Extraction{}, err
	}
	c.cache.SetDefault(key, copyExtraction(ex))
	return ex, nil
}

// HealthCheck forwards to the wrapped extractor when it is a HealthChecker.
func (c *CachingExtractor) HealthCheck(ctx context.Context) error {
	if hc, ok := c.next.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// BreakerState forwards to the wrapped extractor, or returns "" when it has
// no breaker.
func (c *CachingExtractor) BreakerState() string {
	if hc, ok := c.next.(HealthChecker); ok {
		return hc.BreakerState()
	}
	return ""
}

// Len returns the number of cached extractions.
func (c *CachingExtractor) Len() int {
	return c.cache.ItemCount()
}

func digest(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

func copyExtraction(ex Extraction) Extraction {
	ex.Vector = slices.Clone(ex.Vector)
	return ex
}
