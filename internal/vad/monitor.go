package vad

import (
	"context"
	"errors"
	"sync"
	"time"
)

// calibrationFactor scales the measured ambient level into the silence
// threshold, so ordinary background noise stays below it.
const calibrationFactor = 1.2

// defaultFrameInterval approximates a display-refresh-driven sampling loop.
const defaultFrameInterval = 33 * time.Millisecond

var (
	ErrAlreadyRunning = errors.New("vad: monitor already running")
	ErrCalibrating    = errors.New("vad: calibration in progress")
	ErrNoFrames       = errors.New("vad: source produced no frames")
)

// Source supplies audio frames to a Monitor. Frame must return quickly with
// the most recent capture buffer; ok is false once capture has ended. Close
// releases the underlying audio resources.
type Source interface {
	Frame() (samples []int16, ok bool)
	Close() error
}

// Ticker is the cooperative sampling clock. The default implementation wraps
// time.Ticker; tests drive the monitor with a manual channel.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type frameTicker struct{ t *time.Ticker }

// NewFrameTicker returns a Ticker firing every interval.
func NewFrameTicker(interval time.Duration) Ticker {
	return &frameTicker{t: time.NewTicker(interval)}
}

func (ft *frameTicker) C() <-chan time.Time { return ft.t.C }
func (ft *frameTicker) Stop()               { ft.t.Stop() }

// MonitorConfig wires a Monitor together.
type MonitorConfig struct {
	Detector      *Detector
	Source        Source
	FrameInterval time.Duration // defaults to defaultFrameInterval

	// NewTicker overrides the sampling clock. Defaults to NewFrameTicker.
	NewTicker func(time.Duration) Ticker

	// OnSilence is called when end-of-utterance is confirmed. Must not block
	// and must not call Stop.
	OnSilence func()

	// OnVoice is called when speech resumes from confirmed silence. Same
	// restrictions as OnSilence.
	OnVoice func()
}

// Monitor drives a Detector from a Source one frame per tick. Sampling is
// single-goroutine cooperative; the per-frame work never performs blocking I/O.
type Monitor struct {
	det           *Detector
	src           Source
	frameInterval time.Duration
	newTicker     func(time.Duration) Ticker
	onSilence     func()
	onVoice       func()
	now           func() time.Time

	mu          sync.Mutex
	running     bool
	calibrating bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewMonitor creates a stopped Monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = NewFrameTicker
	}
	return &Monitor{
		det:           cfg.Detector,
		src:           cfg.Source,
		frameInterval: interval,
		newTicker:     newTicker,
		onSilence:     cfg.OnSilence,
		onVoice:       cfg.OnVoice,
		now:           time.Now,
	}
}

// SetClock overrides the time source used for silence timing. Intended for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Calibrate samples the ambient level for the given duration and sets the
// detector threshold to calibrationFactor times the mean measured level.
// It is a one-shot, bounded operation, mutually exclusive with Start on the
// same monitor.
func (m *Monitor) Calibrate(ctx context.Context, dur time.Duration) (float64, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	if m.calibrating {
		m.mu.Unlock()
		return 0, ErrCalibrating
	}
	m.calibrating = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.calibrating = false
		m.mu.Unlock()
	}()

	frames := int(dur / m.frameInterval)
	if frames < 1 {
		frames = 1
	}

	ticker := m.newTicker(m.frameInterval)
	defer ticker.Stop()

	var (
		sum float64
		n   int
	)
	for n < frames {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C():
			frame, ok := m.src.Frame()
			if !ok {
				if n == 0 {
					return 0, ErrNoFrames
				}
				threshold := calibrationFactor * (sum / float64(n))
				m.det.SetThreshold(threshold)
				return threshold, nil
			}
			sum += Level(frame)
			n++
		}
	}

	threshold := calibrationFactor * (sum / float64(n))
	m.det.SetThreshold(threshold)
	return threshold, nil
}

// Start begins live detection. Returns an error if detection is already
// running or a calibration is in progress.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	if m.calibrating {
		return ErrCalibrating
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.det.Reset()

	ticker := m.newTicker(m.frameInterval)
	m.wg.Add(1)
	go m.loop(ticker, m.stopCh)
	return nil
}

func (m *Monitor) loop(ticker Ticker, stop <-chan struct{}) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			// Stopped mid-utterance: no completion event fires, even from
			// silence-pending.
			return
		case <-ticker.C():
			frame, ok := m.src.Frame()
			if !ok {
				return
			}
			switch m.det.ProcessFrame(frame, m.now()) {
			case EventSilenceDetected:
				if m.onSilence != nil {
					m.onSilence()
				}
			case EventVoiceResumed:
				if m.onVoice != nil {
					m.onVoice()
				}
			}
		}
	}
}

// Stop halts detection, waits for the sampling loop to exit, releases the
// audio source, and resets the detector. Idempotent; safe to call on a
// monitor that never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	_ = m.src.Close()
	m.det.Reset()
}

// Running reports whether live detection is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
