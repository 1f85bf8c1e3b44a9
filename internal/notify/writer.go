// Package notify moves pipeline input and output through the filesystem:
// cameras drop capture files into {data}/captures, and alert transitions are
// written to {data}/events for downstream report generators.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrypster/feederwatch/internal/alerts"
	"github.com/scrypster/feederwatch/internal/logging"
	"github.com/scrypster/feederwatch/pkg/types"
)

// Event is the payload written to an event file.
type Event struct {
	Type     string           `json:"type"` // alert_active, alert_acknowledged, alert_resolved, alert_severity
	AlertID  string           `json:"alert_id"`
	FeederID string           `json:"feeder_id"`
	Severity types.Severity   `json:"severity"`
	From     types.AlertState `json:"from"`
	To       types.AlertState `json:"to"`
	Reason   string           `json:"reason"`
	Alert    *types.Alert     `json:"alert"`
	Time     int64            `json:"time"`
}

// EventWriter writes alert event files to a shared directory.
type EventWriter struct {
	dir    string
	logger *logrus.Logger
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string, logger *logrus.Logger) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events"), logger: logging.OrDiscard(logger)}
}

// Dir returns the events directory.
func (w *EventWriter) Dir() string {
	return w.dir
}

// Notify writes one event file for a transition. Files are written under a
// temporary name and renamed so readers never see partial content.
// Safe to call concurrently.
func (w *EventWriter) Notify(tr alerts.Transition) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt := Event{
		Type:     eventType(tr),
		AlertID:  tr.Alert.ID,
		FeederID: tr.Alert.FeederID,
		Severity: tr.Alert.Severity,
		From:     tr.From,
		To:       tr.To,
		Reason:   tr.Reason,
		Alert:    tr.Alert,
		Time:     time.Now().UnixNano(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	name := fmt.Sprintf("%d-%s.event", evt.Time, sanitizeID(tr.Alert.ID))
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, filepath.Join(w.dir, name))
}

// Listener adapts the writer to an alert listener. Write failures are logged.
func (w *EventWriter) Listener() alerts.Listener {
	return func(tr alerts.Transition) {
		if err := w.Notify(tr); err != nil {
			w.logger.WithError(err).WithField("alert_id", tr.Alert.ID).Warn("notify: failed to write alert event")
		}
	}
}

func eventType(tr alerts.Transition) string {
	if tr.From == tr.To {
		return "alert_severity"
	}
	return "alert_" + string(tr.To)
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', '.':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}
