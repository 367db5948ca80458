package model

import "time"

// ViolationKind classifies a proctoring signal.
type ViolationKind string

const (
	ViolationTabSwitch      ViolationKind = "tab-switch"
	ViolationFullscreenExit ViolationKind = "fullscreen-exit"
	ViolationClipboardUse   ViolationKind = "clipboard-use"
	ViolationContextMenu    ViolationKind = "context-menu"
	ViolationWebcamBlocked  ViolationKind = "webcam-blocked"
)

// Severity is advisory; nothing in the engine changes outcome based on it.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether k is a known kind.
func (k ViolationKind) Valid() bool {
	switch k {
	case ViolationTabSwitch, ViolationFullscreenExit, ViolationClipboardUse,
		ViolationContextMenu, ViolationWebcamBlocked:
		return true
	}
	return false
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// DefaultSeverity returns the classification used by the monitor.
func DefaultSeverity(kind ViolationKind) Severity {
	switch kind {
	case ViolationTabSwitch, ViolationClipboardUse:
		return SeverityMedium
	case ViolationWebcamBlocked:
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// ViolationEvent is an immutable entry of the in-session violation log.
type ViolationEvent struct {
	Kind        ViolationKind `json:"kind"`
	Severity    Severity      `json:"severity"`
	OccurredAt  time.Time     `json:"occurred_at"`
	Description string        `json:"description"`
}

// ReportViolationRequest is the wire payload of a violation report.
type ReportViolationRequest struct {
	Kind        ViolationKind `json:"kind" binding:"required,violation_kind"`
	Severity    Severity      `json:"severity" binding:"omitempty,severity"`
	OccurredAt  time.Time     `json:"occurred_at"`
	Description string        `json:"description" binding:"max=500"`
}

// Event converts the request, filling the default severity and the receive
// time when the client left them out.
func (r ReportViolationRequest) Event(received time.Time) ViolationEvent {
	ev := ViolationEvent{
		Kind:        r.Kind,
		Severity:    r.Severity,
		OccurredAt:  r.OccurredAt,
		Description: r.Description,
	}
	if ev.Severity == "" {
		ev.Severity = DefaultSeverity(r.Kind)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = received
	}
	return ev
}
