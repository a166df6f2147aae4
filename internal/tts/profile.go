package tts

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FallbackVoiceID is the well-known voice used when synthesis with a custom
// voice fails. Rachel, available on every ElevenLabs account.
const FallbackVoiceID = "21m00Tcm4TlvDq8ikWAM"

// VoiceProfile is the process-wide voice configuration. Loaded once at
// startup; a ProfileWatcher can hot-reload it from disk.
type VoiceProfile struct {
	VoiceID         string  `yaml:"voice_id" json:"voiceId"`
	Stability       float64 `yaml:"stability" json:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost" json:"similarityBoost"`
	Style           float64 `yaml:"style" json:"style"`
	SpeakerBoost    bool    `yaml:"speaker_boost" json:"speakerBoost"`
}

// DefaultProfile returns the built-in voice configuration.
func DefaultProfile() VoiceProfile {
	return VoiceProfile{
		VoiceID:         FallbackVoiceID,
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0,
		SpeakerBoost:    true,
	}
}

// LoadProfile reads a voice profile from a yaml file. Fields left unset in
// the file keep their default values.
func LoadProfile(path string) (VoiceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VoiceProfile{}, fmt.Errorf("read voice profile: %w", err)
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return VoiceProfile{}, fmt.Errorf("parse voice profile: %w", err)
	}
	return p, nil
}

// ProfileWatcher polls the profile file and swaps in new contents when the
// file changes. Polling (not fsnotify) keeps dependencies minimal; an invalid
// file is ignored and the previous profile stays active.
type ProfileWatcher struct {
	path     string
	interval time.Duration
	logger   interface{ Printf(string, ...any) }

	mu      sync.RWMutex
	current VoiceProfile

	done      chan struct{}
	stopOnce  sync.Once
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// NewProfileWatcher loads the initial profile and starts polling every
// interval in a background goroutine.
func NewProfileWatcher(path string, interval time.Duration, logger interface{ Printf(string, ...any) }) (*ProfileWatcher, error) {
	p, err := LoadProfile(path)
	if err != nil {
		return nil, err
	}

	data, _ := os.ReadFile(path)
	info, _ := os.Stat(path)

	w := &ProfileWatcher{
		path:     path,
		interval: interval,
		logger:   logger,
		current:  p,
		done:     make(chan struct{}),
		lastHash: sha256.Sum256(data),
	}
	if info != nil {
		w.lastMtime = info.ModTime()
	}

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid profile.
func (w *ProfileWatcher) Current() VoiceProfile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stop stops the file watcher. Idempotent.
func (w *ProfileWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *ProfileWatcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *ProfileWatcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if info.ModTime().Equal(w.lastMtime) {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	hash := sha256.Sum256(data)
	if hash == w.lastHash {
		w.lastMtime = info.ModTime()
		return
	}

	p, err := LoadProfile(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Printf("tts: ignoring invalid voice profile update: %v", err)
		}
		return
	}

	w.mu.Lock()
	w.current = p
	w.mu.Unlock()
	w.lastMtime = info.ModTime()
	w.lastHash = hash

	if w.logger != nil {
		w.logger.Printf("tts: voice profile reloaded, voice=%s", p.VoiceID)
	}
}
