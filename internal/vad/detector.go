// Package vad implements real-time voice activity detection for the capture
// side of the assistant: a silence-detection state machine with hysteresis, an
// ambient-noise calibration routine, and a cooperative frame monitor that ties
// the detector to an audio source.
package vad

import (
	"math"
	"time"
)

// State is the detector's position in the voice/silence state machine.
type State int

const (
	// StateVoice means the signal is above the threshold.
	StateVoice State = iota

	// StateSilencePending means the signal dropped below the threshold but has
	// not yet stayed there for MinSilence.
	StateSilencePending

	// StateSilenceConfirmed means silence held for at least MinSilence and the
	// end-of-utterance event has fired.
	StateSilenceConfirmed
)

// Event is the outcome of processing one frame.
type Event int

const (
	EventNone Event = iota

	// EventSilenceDetected fires exactly once per utterance, when sub-threshold
	// signal has accumulated for at least MinSilence.
	EventSilenceDetected

	// EventVoiceResumed fires exactly once when the signal rises above the
	// threshold from confirmed silence. It never fires from silence-pending:
	// that is the debounce path.
	EventVoiceResumed
)

// Config holds the detection parameters for one capture session.
type Config struct {
	// Threshold is the level below which a frame counts as silent. Usually set
	// by Calibrate rather than by hand.
	Threshold float64

	// MinSilence is how long the level must stay below Threshold before
	// silence is confirmed.
	MinSilence time.Duration

	// SampleRate is the capture rate in Hz. Informational; frames are
	// processed at whatever rate the source delivers them.
	SampleRate int
}

// Detector is the silence-detection state machine. It is owned by a single
// capture session and is not safe for concurrent use.
type Detector struct {
	cfg          Config
	state        State
	silenceStart time.Time
}

// NewDetector creates a detector in the voice state.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// Threshold returns the current silence threshold.
func (d *Detector) Threshold() float64 { return d.cfg.Threshold }

// SetThreshold replaces the silence threshold. Used after calibration.
func (d *Detector) SetThreshold(threshold float64) { d.cfg.Threshold = threshold }

// Reset returns the detector to the voice state with no pending silence.
func (d *Detector) Reset() {
	d.state = StateVoice
	d.silenceStart = time.Time{}
}

// ProcessFrame measures the frame level and advances the state machine.
func (d *Detector) ProcessFrame(frame []int16, now time.Time) Event {
	return d.ProcessLevel(Level(frame), now)
}

// ProcessLevel advances the state machine with an already-computed level.
// It must not block; it is called from the capture session's frame callback.
func (d *Detector) ProcessLevel(level float64, now time.Time) Event {
	switch d.state {
	case StateVoice:
		if level < d.cfg.Threshold {
			d.state = StateSilencePending
			d.silenceStart = now
		}

	case StateSilencePending:
		if level >= d.cfg.Threshold {
			// Signal came back before MinSilence elapsed: debounce, no event.
			d.state = StateVoice
			return EventNone
		}
		if now.Sub(d.silenceStart) >= d.cfg.MinSilence {
			d.state = StateSilenceConfirmed
			return EventSilenceDetected
		}

	case StateSilenceConfirmed:
		if level >= d.cfg.Threshold {
			d.state = StateVoice
			return EventVoiceResumed
		}
	}
	return EventNone
}

// Level computes the instantaneous signal level of a frame as the mean
// absolute deviation of its samples from the frame mean. Using the frame mean
// as the center keeps the measure robust against DC offset in the capture path.
func Level(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s)
	}
	mean := sum / float64(len(frame))

	var dev float64
	for _, s := range frame {
		dev += math.Abs(float64(s) - mean)
	}
	return dev / float64(len(frame))
}
