package httpapi

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vheller/iris/internal/history"
	"github.com/vheller/iris/internal/provider"
	"github.com/vheller/iris/internal/relay"
	"github.com/vheller/iris/internal/usage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// voiceFrame is the message envelope in both directions on the voice socket.
// Clients send user_text frames (transcription happens on the client); the
// server answers with delta frames, one audio frame and a done frame.
type voiceFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Mode      string `json:"mode,omitempty"`

	// Server → client fields
	Data      string         `json:"data,omitempty"` // base64 audio
	MimeType  string         `json:"mimeType,omitempty"`
	Reply        string         `json:"reply,omitempty"`
	LatencyMs    int64          `json:"latencyMs,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
	Tokens       map[string]int `json:"tokens,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// voiceSession manages one websocket voice conversation.
type voiceSession struct {
	router   *Router
	identity string
	logger   *log.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	// busy is true while a turn is being answered; user_text frames arriving
	// meanwhile are rejected instead of queued.
	busyMu sync.Mutex
	busy   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Router) handleVoiceWS(w http.ResponseWriter, req *http.Request) {
	if !r.streams.Acquire() {
		http.Error(w, `{"error": "shutting down"}`, http.StatusServiceUnavailable)
		return
	}
	defer r.streams.Release()

	identity := authIdentity(req.Context())
	if identity == "" {
		identity = "anonymous"
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("voice: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(req.Context())
	session := &voiceSession{
		router:   r,
		identity: identity,
		logger:   r.logger,
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
	}

	r.logger.Printf("voice: session opened for identity=%s", identity)
	session.run()
}

func (s *voiceSession) run() {
	defer s.cleanup()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		var frame voiceFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("voice: session closed for identity=%s", s.identity)
			} else {
				s.logger.Printf("voice: read error for identity=%s: %v", s.identity, err)
			}
			return
		}

		switch frame.Type {
		case "user_text":
			if frame.Text == "" || frame.SessionID == "" {
				s.send(voiceFrame{Type: "error", Error: "user_text requires text and sessionId"})
				continue
			}

			s.busyMu.Lock()
			if s.busy {
				s.busyMu.Unlock()
				s.send(voiceFrame{Type: "error", Error: "previous turn still in progress"})
				continue
			}
			s.busy = true
			s.busyMu.Unlock()

			go s.answerTurn(frame)

		case "ping":
			s.send(voiceFrame{Type: "pong"})

		default:
			s.send(voiceFrame{Type: "error", Error: "unknown frame type"})
		}
	}
}

// answerTurn runs one full voice exchange: rate limit, stream the answer as
// delta frames, synthesize the complete reply, then report the summary.
func (s *voiceSession) answerTurn(frame voiceFrame) {
	defer func() {
		s.busyMu.Lock()
		s.busy = false
		s.busyMu.Unlock()
	}()

	r := s.router

	admit := r.limiter.Admit(s.identity)
	if !admit.Allowed {
		s.send(voiceFrame{
			Type:         "error",
			Error:        "rate limit exceeded",
			RetryAfterMs: admit.ResetIn.Milliseconds(),
		})
		return
	}

	mode, ok := provider.ParseMode(frame.Mode)
	if !ok {
		s.send(voiceFrame{Type: "error", Error: "mode must be fast or quality"})
		return
	}

	hist, err := r.history.Recent(s.ctx, frame.SessionID, r.cfg.HistoryWindow)
	if err != nil {
		s.logger.Printf("voice: history fetch failed for session=%s: %v", frame.SessionID, err)
		hist = nil
	}

	systemPrompt := r.prompts.Build(s.ctx, s.identity, true)
	client := r.providers.Pick(mode)

	stream, err := client.ChatStream(s.ctx, frame.Text, hist, systemPrompt)
	if err != nil {
		s.logger.Printf("voice: provider %s unavailable for identity=%s session=%s mode=%s: %v",
			client.Name(), s.identity, frame.SessionID, mode, err)
		s.send(voiceFrame{Type: "error", Error: "assistant temporarily unavailable"})
		return
	}

	if err := r.history.Append(s.ctx, frame.SessionID, history.Message{
		Role:      history.RoleUser,
		Content:   frame.Text,
		Channel:   history.ChannelVoice,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Printf("voice: user append failed for session=%s: %v", frame.SessionID, err)
	}

	promptChars := len(systemPrompt) + len(frame.Text)
	for _, m := range hist {
		promptChars += len(m.Content)
	}

	ex := &exchange{
		req:         chatRequest{Message: frame.Text, SessionID: frame.SessionID, Mode: string(mode)},
		identity:    s.identity,
		mode:        mode,
		client:      client,
		promptChars: promptChars,
	}

	rel := relay.New(promptChars)
	summary := rel.Run(stream, &deltaWriter{session: s},
		r.finalizeFunc(ex, history.ChannelVoice, usage.KindChatStream))

	if summary.Interrupted {
		s.send(voiceFrame{Type: "error", Error: "assistant temporarily unavailable"})
		return
	}
	if summary.Disconnected || summary.Text == "" {
		return
	}

	// Speak the full reply in one piece. A per-sentence pipeline would lower
	// first-audio latency; the client plays one clip per turn for now.
	audio, err := r.gateway.Synthesize(s.ctx, summary.Text, r.profiles.Current())
	if err != nil {
		s.logger.Printf("voice: synthesis failed for identity=%s: %v", s.identity, err)
		s.send(voiceFrame{Type: "error", Error: "speech synthesis failed"})
	} else {
		s.send(voiceFrame{
			Type:     "audio",
			Data:     base64.StdEncoding.EncodeToString(audio),
			MimeType: "audio/mpeg",
		})
	}

	s.send(voiceFrame{
		Type:      "done",
		Reply:     summary.Text,
		LatencyMs: summary.Latency.Milliseconds(),
		Tokens: map[string]int{
			"input":  summary.InputTokens,
			"output": summary.OutputTokens,
		},
	})
}

// send writes one frame under the connection mutex. Write errors cancel the
// session; the read loop exits on the closed connection.
func (s *voiceSession) send(frame voiceFrame) {
	s.connMu.Lock()
	err := s.conn.WriteJSON(frame)
	s.connMu.Unlock()
	if err != nil {
		s.logger.Printf("voice: write failed for identity=%s: %v", s.identity, err)
		s.cancel()
	}
}

// deltaWriter forwards relayed text fragments as delta frames.
type deltaWriter struct {
	session *voiceSession
}

func (w *deltaWriter) Write(p []byte) (int, error) {
	if err := w.session.ctx.Err(); err != nil {
		return 0, err
	}
	w.session.send(voiceFrame{Type: "delta", Text: string(p)})
	return len(p), nil
}

func (s *voiceSession) cleanup() {
	s.cancel()
	s.connMu.Lock()
	_ = s.conn.Close()
	s.connMu.Unlock()
	s.logger.Printf("voice: session cleaned up for identity=%s", s.identity)
}
