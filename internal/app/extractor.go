package app

import (
	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/extractor"
	"github.com/scrypster/feederwatch/internal/metrics"
)

// NewExtractor builds the feature extraction client, wrapped in a cache when
// CacheTTL is set. It returns nil when no service URL is configured.
func NewExtractor(cfg config.ExtractorConfig, logger *logrus.Logger, m *metrics.Metrics) (extractor.FeatureExtractor, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	client, err := extractor.NewClient(extractor.Config{
		BaseURL:       cfg.URL,
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		Breaker:       extractor.DefaultBreakerConfig(),
	}, extractor.WithLogger(logger), extractor.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	if cfg.CacheTTL <= 0 {
		return client, nil
	}
	return extractor.NewCachingExtractor(client, cfg.CacheTTL, m), nil
}
