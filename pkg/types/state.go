package types

// AlertState is the lifecycle state of an Alert.
type AlertState string

// Alert lifecycle states. Inactive is never persisted; it is the state of a
// (feeder, kind) pair with no open alert.
const (
	AlertInactive     AlertState = "inactive"
	AlertActive       AlertState = "active"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// ValidAlertStates contains all persisted alert state values.
var ValidAlertStates = []AlertState{
	AlertActive,
	AlertAcknowledged,
	AlertResolved,
}

// IsValidAlertState checks if the given state may be stored on an Alert.
func IsValidAlertState(state AlertState) bool {
	for _, valid := range ValidAlertStates {
		if state == valid {
			return true
		}
	}
	return false
}

// IsValidAlertTransition validates alert state transitions.
//
// Valid transitions:
//
//	inactive     -> active
//	active       -> acknowledged | resolved
//	acknowledged -> resolved
//	resolved     -> (terminal, no transitions out)
//
// Severity changes on an open alert are recomputed in place and are not
// state transitions.
func IsValidAlertTransition(current, next AlertState) bool {
	switch current {
	case AlertInactive, "":
		return next == AlertActive
	case AlertActive:
		return next == AlertAcknowledged || next == AlertResolved
	case AlertAcknowledged:
		return next == AlertResolved
	case AlertResolved:
		return false
	default:
		return false
	}
}
