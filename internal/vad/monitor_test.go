package vad

import (
	"context"
	"sync"
	"testing"
	"time"
)

// manualTicker delivers ticks on demand so tests control the sampling loop.
type manualTicker struct {
	ch      chan time.Time
	stopped bool
	mu      sync.Mutex
}

func newManualTicker(buffered int) *manualTicker {
	return &manualTicker{ch: make(chan time.Time, buffered)}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *manualTicker) tick() { m.ch <- time.Time{} }

// fakeSource replays a fixed sequence of frames, then reports capture end.
type fakeSource struct {
	mu     sync.Mutex
	frames [][]int16
	next   int
	closed bool
	read   chan struct{} // signalled once per Frame call
}

func newFakeSource(frames ...[]int16) *fakeSource {
	return &fakeSource{frames: frames, read: make(chan struct{}, len(frames)+16)}
}

func (s *fakeSource) Frame() ([]int16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.read <- struct{}{} }()
	if s.next >= len(s.frames) {
		return nil, false
	}
	f := s.frames[s.next]
	s.next++
	return f, true
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ambientFrame has a mean absolute deviation of exactly level.
func ambientFrame(level int16) []int16 {
	return []int16{level, -level, level, -level}
}

func TestCalibrate_SetsThresholdFromAmbientMean(t *testing.T) {
	// Ambient frames with mean level 10 must produce a threshold of 12.
	src := newFakeSource(ambientFrame(10), ambientFrame(10), ambientFrame(10))
	tk := newManualTicker(3)
	for i := 0; i < 3; i++ {
		tk.tick()
	}

	det := NewDetector(Config{MinSilence: 500 * time.Millisecond})
	m := NewMonitor(MonitorConfig{
		Detector:      det,
		Source:        src,
		FrameInterval: 10 * time.Millisecond,
		NewTicker:     func(time.Duration) Ticker { return tk },
	})

	threshold, err := m.Calibrate(context.Background(), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if threshold != 12 {
		t.Errorf("threshold = %v, want 12", threshold)
	}
	if det.Threshold() != 12 {
		t.Errorf("detector threshold = %v, want 12", det.Threshold())
	}
}

func TestCalibrate_CancelledContext(t *testing.T) {
	src := newFakeSource(ambientFrame(10))
	tk := newManualTicker(1)

	m := NewMonitor(MonitorConfig{
		Detector:      NewDetector(Config{}),
		Source:        src,
		FrameInterval: 10 * time.Millisecond,
		NewTicker:     func(time.Duration) Ticker { return tk },
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Calibrate(ctx, time.Second); err == nil {
		t.Error("Calibrate with cancelled context: err = nil, want context error")
	}
}

func TestCalibrate_ExhaustedSource(t *testing.T) {
	src := newFakeSource() // no frames at all
	tk := newManualTicker(1)
	tk.tick()

	m := NewMonitor(MonitorConfig{
		Detector:      NewDetector(Config{}),
		Source:        src,
		FrameInterval: 10 * time.Millisecond,
		NewTicker:     func(time.Duration) Ticker { return tk },
	})

	if _, err := m.Calibrate(context.Background(), 10*time.Millisecond); err != ErrNoFrames {
		t.Errorf("err = %v, want ErrNoFrames", err)
	}
}

func TestMonitor_FiresSilenceOnce(t *testing.T) {
	// Loud frame, then silence held past MinSilence.
	frames := [][]int16{
		ambientFrame(100),
		ambientFrame(1),
		ambientFrame(1),
		ambientFrame(1),
	}
	src := newFakeSource(frames...)
	tk := newManualTicker(len(frames))

	det := NewDetector(Config{Threshold: 12, MinSilence: 100 * time.Millisecond})
	silences := make(chan struct{}, 4)

	m := NewMonitor(MonitorConfig{
		Detector:  det,
		Source:    src,
		NewTicker: func(time.Duration) Ticker { return tk },
		OnSilence: func() { silences <- struct{}{} },
	})

	// Advance the fake clock 60ms per frame: silence accumulates 120ms by the
	// third quiet frame.
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	var frameN int
	var clockMu sync.Mutex
	m.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		frameN++
		return base.Add(time.Duration(frameN) * 60 * time.Millisecond)
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	for i := 0; i < len(frames); i++ {
		tk.tick()
		<-src.read
	}

	select {
	case <-silences:
	case <-time.After(time.Second):
		t.Fatal("silence event never fired")
	}
	select {
	case <-silences:
		t.Fatal("silence event fired more than once")
	default:
	}
}

func TestMonitor_StopIsIdempotentAndReleasesSource(t *testing.T) {
	src := newFakeSource(ambientFrame(1))
	tk := newManualTicker(1)

	m := NewMonitor(MonitorConfig{
		Detector:  NewDetector(Config{Threshold: 12, MinSilence: time.Second}),
		Source:    src,
		NewTicker: func(time.Duration) Ticker { return tk },
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	m.Stop()
	m.Stop() // second stop is a no-op

	if !src.isClosed() {
		t.Error("source not closed after Stop")
	}
	if m.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestMonitor_StopDuringSilencePendingFiresNothing(t *testing.T) {
	src := newFakeSource(ambientFrame(1), ambientFrame(1))
	tk := newManualTicker(2)

	var fired bool
	var firedMu sync.Mutex
	m := NewMonitor(MonitorConfig{
		Detector:  NewDetector(Config{Threshold: 12, MinSilence: time.Hour}),
		Source:    src,
		NewTicker: func(time.Duration) Ticker { return tk },
		OnSilence: func() {
			firedMu.Lock()
			fired = true
			firedMu.Unlock()
		},
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	tk.tick()
	<-src.read // detector is now in silence-pending
	m.Stop()

	firedMu.Lock()
	defer firedMu.Unlock()
	if fired {
		t.Error("silence event fired despite capture ending in silence-pending")
	}
}

func TestMonitor_RepeatedStartStopCycles(t *testing.T) {
	for i := 0; i < 5; i++ {
		src := newFakeSource(ambientFrame(1))
		m := NewMonitor(MonitorConfig{
			Detector:  NewDetector(Config{Threshold: 12, MinSilence: time.Second}),
			Source:    src,
			NewTicker: func(time.Duration) Ticker { return newManualTicker(1) },
		})
		if err := m.Start(); err != nil {
			t.Fatalf("cycle %d: Start failed: %v", i, err)
		}
		m.Stop()
		if !src.isClosed() {
			t.Fatalf("cycle %d: source leaked", i)
		}
	}
}

func TestMonitor_StartWhileRunning(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Detector:  NewDetector(Config{}),
		Source:    newFakeSource(),
		NewTicker: func(time.Duration) Ticker { return newManualTicker(1) },
	})

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if err := m.Start(); err != ErrAlreadyRunning {
		t.Errorf("second Start: err = %v, want ErrAlreadyRunning", err)
	}
}
