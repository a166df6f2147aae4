package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/vheller/iris/internal/usage"
)

// maxSynthesisLen caps one synthesis request; ElevenLabs rejects very long
// inputs anyway.
const maxSynthesisLen = 4000

type synthesizeRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId,omitempty"`
}

// handleSynthesize converts text to speech and responds with raw MP3 bytes.
func (r *Router) handleSynthesize(w http.ResponseWriter, req *http.Request) {
	var body synthesizeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"body": "invalid json"},
		})
		return
	}

	fields := make(map[string]string)
	if strings.TrimSpace(body.Text) == "" {
		fields["text"] = "required"
	} else if len(body.Text) > maxSynthesisLen {
		fields["text"] = "too long"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
		return
	}

	profile := r.profiles.Current()
	if body.VoiceID != "" {
		profile.VoiceID = body.VoiceID
	}

	audio, err := r.gateway.Synthesize(req.Context(), body.Text, profile)
	if err != nil {
		r.logger.Printf("tts: synthesis failed for voice=%s: %v", profile.VoiceID, err)
		captureError(req, err, "tts: synthesis failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "speech synthesis failed",
		})
		return
	}

	identity := authIdentity(req.Context())
	if identity == "" {
		identity = "anonymous"
	}
	r.ledger.RecordAsync(usage.Entry{
		Identity: identity,
		Kind:     usage.KindSynthesis,
		Provider: "elevenlabs",
		Metadata: map[string]any{
			"chars": len(body.Text),
			"bytes": len(audio),
			"voice": profile.VoiceID,
		},
	})

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	_, _ = w.Write(audio)
}

// handleHistory returns the recent window of a session's conversation.
func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionId")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"sessionId": "required"},
		})
		return
	}

	limit := r.cfg.HistoryWindow
	if l := req.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	messages, err := r.history.Recent(req.Context(), sessionID, limit)
	if err != nil {
		r.logger.Printf("history: fetch failed for session=%s: %v", sessionID, err)
		captureError(req, err, "history: fetch failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load history",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"messages":  messages,
		"count":     len(messages),
	})
}
