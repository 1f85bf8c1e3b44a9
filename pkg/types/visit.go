package types

import "time"

// Visit is a deduplicated, time-bounded presence event derived from one or
// more temporally adjacent captures at the same feeder.
type Visit struct {
	ID             string      `json:"id"`
	FeederID       string      `json:"feeder_id"`
	CameraID       string      `json:"camera_id"`
	Attribution    Attribution `json:"attribution"`
	Start          time.Time   `json:"start"`
	End            time.Time   `json:"end"`
	MeanConfidence float64     `json:"mean_confidence"`
	CaptureCount   int         `json:"capture_count"`
	Closed         bool        `json:"closed"`
}

// Duration returns End - Start.
func (v *Visit) Duration() time.Duration {
	return v.End.Sub(v.Start)
}

// Fold extends the visit with one more capture.
// The running mean confidence is updated incrementally.
func (v *Visit) Fold(at time.Time, confidence float64) {
	v.CaptureCount++
	v.MeanConfidence += (confidence - v.MeanConfidence) / float64(v.CaptureCount)
	if at.After(v.End) {
		v.End = at
	}
}
