package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Target EventTarget
	// Camera is used only when Webcam is set.
	Camera      Camera
	Webcam      bool
	Clock       clockwork.Clock
	Logger      zerolog.Logger
	OnViolation func(model.ViolationEvent)
}

// Monitor turns proctoring signals into violation events. The local log is
// authoritative for the UI; remote reports are best-effort.
type Monitor struct {
	ctx         context.Context
	attemptID   uuid.UUID
	reporter    Reporter
	target      EventTarget
	camera      Camera
	webcam      bool
	clock       clockwork.Clock
	log         zerolog.Logger
	onViolation func(model.ViolationEvent)

	mu          sync.Mutex
	enabled     bool
	hidden      bool
	tabSwitches int
	events      []model.ViolationEvent
	disposers   []func()

	reports sync.WaitGroup
}

// NewMonitor creates a disabled monitor. ctx scopes the remote reports.
func NewMonitor(ctx context.Context, attemptID uuid.UUID, reporter Reporter, opts MonitorOptions) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Monitor{
		ctx:         ctx,
		attemptID:   attemptID,
		reporter:    reporter,
		target:      opts.Target,
		camera:      opts.Camera,
		webcam:      opts.Webcam,
		clock:       opts.Clock,
		log:         opts.Logger.With().Str("component", "proctor_monitor").Logger(),
		onViolation: opts.OnViolation,
	}
}

// Enable attaches every detector and returns the function that detaches
// them all. Enabling an enabled monitor returns the same teardown.
func (m *Monitor) Enable(ctx context.Context) (disable func()) {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return m.Disable
	}
	m.enabled = true
	m.hidden = false
	m.mu.Unlock()

	var disposers []func()
	if m.target != nil {
		disposers = append(disposers,
			m.target.AddListener(SignalHidden, m.onHidden),
			m.target.AddListener(SignalVisible, m.onVisible),
			m.target.AddListener(SignalFullscreenExit, m.onFullscreenExit),
			m.target.AddListener(SignalCopy, m.onClipboard),
			m.target.AddListener(SignalCut, m.onClipboard),
			m.target.AddListener(SignalPaste, m.onClipboard),
			m.target.AddListener(SignalContextMenu, m.onContextMenu),
		)
	}
	if m.webcam {
		if release := m.watchWebcam(ctx); release != nil {
			disposers = append(disposers, release)
		}
	}

	m.mu.Lock()
	if !m.enabled {
		// Disabled while attaching.
		m.mu.Unlock()
		for _, d := range disposers {
			d()
		}
		return m.Disable
	}
	m.disposers = append(m.disposers, disposers...)
	m.mu.Unlock()

	m.log.Debug().Int("detectors", len(disposers)).Msg("Monitor enabled")
	return m.Disable
}

// Disable removes every listener and releases the webcam capture. No event
// is recorded afterwards.
func (m *Monitor) Disable() {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = false
	disposers := m.disposers
	m.disposers = nil
	m.mu.Unlock()

	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
	m.log.Debug().Msg("Monitor disabled")
}

// Enabled reports whether detectors are attached.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Violations returns the ordered local log.
func (m *Monitor) Violations() []model.ViolationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// TabSwitches returns how many times the page was hidden.
func (m *Monitor) TabSwitches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tabSwitches
}

// Wait blocks until every report sent so far has completed.
func (m *Monitor) Wait() {
	m.reports.Wait()
}

func (m *Monitor) onHidden(sig Signal) bool {
	m.mu.Lock()
	if !m.enabled || m.hidden {
		m.mu.Unlock()
		return false
	}
	m.hidden = true
	m.tabSwitches++
	ev := m.appendLocked(model.ViolationTabSwitch, m.at(sig),
		fmt.Sprintf("page hidden (switch #%d)", m.tabSwitches))
	m.mu.Unlock()

	m.publish(ev)
	return false
}

func (m *Monitor) onVisible(Signal) bool {
	m.mu.Lock()
	m.hidden = false
	m.mu.Unlock()
	return false
}

func (m *Monitor) onFullscreenExit(sig Signal) bool {
	m.record(model.ViolationFullscreenExit, m.at(sig), "left fullscreen")
	return false
}

func (m *Monitor) onClipboard(sig Signal) bool {
	m.record(model.ViolationClipboardUse, m.at(sig), fmt.Sprintf("%s attempted", sig.Kind))
	return true
}

func (m *Monitor) onContextMenu(sig Signal) bool {
	m.record(model.ViolationContextMenu, m.at(sig), "context menu opened")
	return true
}

// watchWebcam acquires the capture and watches for its track ending. It
// returns the release function, or nil when no capture is held.
func (m *Monitor) watchWebcam(ctx context.Context) func() {
	if m.camera == nil {
		m.record(model.ViolationWebcamBlocked, m.clock.Now(), "no camera available")
		return nil
	}
	capture, err := m.camera.Acquire(ctx)
	if err != nil {
		desc := "camera unavailable"
		if errors.Is(err, ErrPermissionDenied) {
			desc = "camera permission declined"
		}
		m.log.Info().Err(err).Msg("Webcam not granted")
		m.record(model.ViolationWebcamBlocked, m.clock.Now(), desc)
		return nil
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-stop:
		case <-capture.Ended():
			m.record(model.ViolationWebcamBlocked, m.clock.Now(), "camera stopped unexpectedly")
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			capture.Release()
		})
	}
}

func (m *Monitor) at(sig Signal) time.Time {
	if sig.At.IsZero() {
		return m.clock.Now()
	}
	return sig.At
}

func (m *Monitor) record(kind model.ViolationKind, at time.Time, desc string) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	ev := m.appendLocked(kind, at, desc)
	m.mu.Unlock()

	m.publish(ev)
}

func (m *Monitor) appendLocked(kind model.ViolationKind, at time.Time, desc string) model.ViolationEvent {
	ev := model.ViolationEvent{
		Kind:        kind,
		Severity:    model.DefaultSeverity(kind),
		OccurredAt:  at,
		Description: desc,
	}
	m.events = append(m.events, ev)
	return ev
}

// publish notifies the UI and reports to the backend without waiting.
func (m *Monitor) publish(ev model.ViolationEvent) {
	if m.onViolation != nil {
		m.onViolation(ev)
	}
	if m.reporter == nil {
		return
	}
	m.reports.Add(1)
	go func() {
		defer m.reports.Done()
		if err := m.reporter.ReportViolation(m.ctx, m.attemptID, ev); err != nil {
			m.log.Warn().Err(err).
				Str("kind", string(ev.Kind)).
				Msg("Violation report failed")
		}
	}()
}
