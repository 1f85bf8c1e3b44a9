package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/extractor"
	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/pkg/types"
)

// CaptureSuffix marks capture files in the drop folder.
const CaptureSuffix = ".capture.json"

// CaptureFile is the on-disk form of a capture. Either Vector or ImagePath is
// set; images are turned into vectors by the extractor.
type CaptureFile struct {
	CameraID           string    `json:"camera_id"`
	FeederID           string    `json:"feeder_id"`
	Timestamp          time.Time `json:"timestamp"`
	Vector             []float32 `json:"vector,omitempty"`
	DetectorConfidence float64   `json:"detector_confidence"`
	ImagePath          string    `json:"image_path,omitempty"` // relative to the captures dir
}

// CaptureHandler consumes one decoded capture.
type CaptureHandler func(ctx context.Context, c types.Capture) error

// CaptureWatcher watches {dataPath}/captures and hands every capture file to
// a handler. Writers must create files under another name and rename them
// into place. Consumed files are removed; files that cannot be decoded or
// that the handler rejects as invalid move to captures/rejected.
type CaptureWatcher struct {
	dir       string
	handler   CaptureHandler
	extractor extractor.FeatureExtractor
	logger    *logrus.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCaptureWatcher creates a watcher for {dataPath}/captures/. ext may be
// nil, in which case image captures are rejected.
func NewCaptureWatcher(dataPath string, handler CaptureHandler, ext extractor.FeatureExtractor, logger *logrus.Logger) *CaptureWatcher {
	return &CaptureWatcher{
		dir:       filepath.Join(dataPath, "captures"),
		handler:   handler,
		extractor: ext,
		logger:    logging.OrDiscard(logger),
		done:      make(chan struct{}),
	}
}

// Dir returns the watched directory.
func (cw *CaptureWatcher) Dir() string {
	return cw.dir
}

// Start drains any existing capture files, then watches for new ones. Call
// Stop to clean up.
func (cw *CaptureWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(cw.dir, 0o700); err != nil {
		return err
	}

	ctx, cw.cancel = context.WithCancel(ctx)
	cw.drainExisting(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cw.cancel()
		return err
	}
	if err := w.Add(cw.dir); err != nil {
		_ = w.Close()
		cw.cancel()
		return err
	}
	cw.watcher = w

	go cw.loop(ctx)
	cw.logger.WithField("dir", cw.dir).Info("notify: watching for captures")
	return nil
}

// Stop shuts down the watcher and waits for the current file to finish.
func (cw *CaptureWatcher) Stop() {
	if cw.watcher == nil {
		return
	}
	cw.cancel()
	_ = cw.watcher.Close()
	<-cw.done
}

func (cw *CaptureWatcher) loop(ctx context.Context) {
	defer close(cw.done)
	for {
		select {
		case evt, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isCaptureFile(evt.Name) {
				cw.processFile(ctx, evt.Name)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.WithError(err).Warn("notify: watcher error")
		}
	}
}

func (cw *CaptureWatcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(cw.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && isCaptureFile(entry.Name()) {
			cw.processFile(ctx, filepath.Join(cw.dir, entry.Name()))
		}
	}
}

func (cw *CaptureWatcher) processFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // already consumed or renamed away
	}
	log := cw.logger.WithField("file", filepath.Base(path))

	c, err := cw.decode(ctx, data)
	if err == nil {
		err = cw.handler(ctx, c)
	}

	switch {
	case err == nil:
		_ = os.Remove(path)
		log.Debug("notify: capture consumed")
	case errors.Is(err, types.ErrInvalidInput):
		log.WithError(err).Warn("notify: capture rejected")
		cw.reject(path)
	default:
		// Upstream failures leave the file for the next drain.
		log.WithError(err).Error("notify: capture failed")
	}
}

func (cw *CaptureWatcher) decode(ctx context.Context, data []byte) (types.Capture, error) {
	var f CaptureFile
	if err := json.Unmarshal(data, &f); err != nil {
		return types.Capture{}, fmt.Errorf("%w: capture file: %w", types.ErrInvalidInput, err)
	}
	c := types.Capture{
		CameraID:           f.CameraID,
		FeederID:           f.FeederID,
		Timestamp:          f.Timestamp,
		Vector:             f.Vector,
		DetectorConfidence: f.DetectorConfidence,
	}
	if len(c.Vector) > 0 || f.ImagePath == "" {
		return c, nil
	}

	if cw.extractor == nil {
		return types.Capture{}, fmt.Errorf("%w: image capture but no extractor configured", types.ErrInvalidInput)
	}
	if filepath.IsAbs(f.ImagePath) || strings.Contains(f.ImagePath, "..") {
		return types.Capture{}, fmt.Errorf("%w: image path must be relative to the captures dir", types.ErrInvalidInput)
	}
	image, err := os.ReadFile(filepath.Join(cw.dir, f.ImagePath))
	if err != nil {
		return types.Capture{}, fmt.Errorf("%w: read image: %w", types.ErrInvalidInput, err)
	}
	ex, err := cw.extractor.ExtractFeatureVector(ctx, image)
	if err != nil {
		return types.Capture{}, err
	}
	c.Vector = ex.Vector
	c.DetectorConfidence = ex.Confidence
	return c, nil
}

func (cw *CaptureWatcher) reject(path string) {
	rejected := filepath.Join(cw.dir, "rejected")
	if err := os.MkdirAll(rejected, 0o700); err != nil {
		_ = os.Remove(path)
		return
	}
	if err := os.Rename(path, filepath.Join(rejected, filepath.Base(path))); err != nil {
		_ = os.Remove(path)
	}
}

func isCaptureFile(name string) bool {
	return strings.HasSuffix(name, CaptureSuffix) && !strings.HasPrefix(filepath.Base(name), ".")
}
