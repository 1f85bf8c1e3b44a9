// Package types defines the core data structures for the feederwatch
// attribution pipeline: identities, captures, visits, feeder state, alerts
// and depletion estimates.
package types

import "time"

// AttributionKind distinguishes an identified capture from an unidentified one.
type AttributionKind string

const (
	// KindUnidentified marks activity that could not be tied to a known individual.
	KindUnidentified AttributionKind = "unidentified"

	// KindIdentified marks activity matched to a gallery identity.
	KindIdentified AttributionKind = "identified"
)

// Attribution is a tagged variant: Identified(id) or Unidentified.
// The zero value is Unidentified.
type Attribution struct {
	Kind       AttributionKind `json:"kind"`
	IdentityID string          `json:"identity_id,omitempty"`
}

// Identified returns an attribution to the given identity.
func Identified(identityID string) Attribution {
	return Attribution{Kind: KindIdentified, IdentityID: identityID}
}

// Unidentified returns the attribution used for the unknown bucket.
func Unidentified() Attribution {
	return Attribution{Kind: KindUnidentified}
}

// IsIdentified reports whether the attribution names an identity.
func (a Attribution) IsIdentified() bool {
	return a.Kind == KindIdentified && a.IdentityID != ""
}

// Key returns a stable map key for the attribution.
func (a Attribution) Key() string {
	if a.IsIdentified() {
		return "id:" + a.IdentityID
	}
	return string(KindUnidentified)
}

// String implements fmt.Stringer.
func (a Attribution) String() string {
	if a.IsIdentified() {
		return "Identified(" + a.IdentityID + ")"
	}
	return "Unidentified"
}

// Capture is one motion-triggered observation with an extracted feature vector.
// Captures are immutable once ingested and are not retained by the core.
type Capture struct {
	CameraID           string    `json:"camera_id"`
	FeederID           string    `json:"feeder_id"`
	Timestamp          time.Time `json:"timestamp"`
	Vector             []float32 `json:"vector"`
	DetectorConfidence float64   `json:"detector_confidence"`
}
