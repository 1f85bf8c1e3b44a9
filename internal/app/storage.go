// Package app holds the wiring shared by the feederwatch binaries.
package app

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/config"
	"github.com/scrypster/feederwatch/internal/gallery"
	"github.com/scrypster/feederwatch/internal/storage"
	"github.com/scrypster/feederwatch/internal/storage/postgres"
	"github.com/scrypster/feederwatch/internal/storage/sqlite"
)

// DatabaseFile is the SQLite database name inside the data directory.
const DatabaseFile = "feederwatch.db"

// OpenStorage selects the repository and gallery implementations from cfg.
// The local gallery is loaded from the store before it is returned.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (storage.Repository, gallery.FeatureGallery, error) {
	maxRefs := cfg.Pipeline.MaxReferenceVectors

	switch cfg.Storage.StorageEngine {
	case "postgres":
		store, err := postgres.NewStore(cfg.Storage.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Storage.Gallery == "postgres" {
			var opts []postgres.GalleryOption
			opts = append(opts, postgres.WithGalleryLogger(logger))
			if cfg.Pipeline.Metric == "euclidean" {
				opts = append(opts, postgres.WithEuclidean())
			}
			return store, postgres.NewGallery(store, maxRefs, opts...), nil
		}
		gal, err := loadLocalGallery(ctx, store, maxRefs, logger)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, gal, nil

	default:
		if cfg.Storage.Gallery == "postgres" {
			return nil, nil, errors.New("postgres gallery requires the postgres storage engine")
		}
		store, err := sqlite.NewStore(filepath.Join(cfg.Storage.DataPath, DatabaseFile), sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		gal, err := loadLocalGallery(ctx, store, maxRefs, logger)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, gal, nil
	}
}

func loadLocalGallery(ctx context.Context, store storage.IdentityStore, maxRefs int, logger *logrus.Logger) (*gallery.Local, error) {
	gal := gallery.NewLocal(maxRefs, gallery.WithStore(store), gallery.WithLogger(logger))
	if err := gal.Load(ctx); err != nil {
		return nil, err
	}
	logger.WithField("identities", gal.Len()).Info("gallery loaded")
	return gal, nil
}
