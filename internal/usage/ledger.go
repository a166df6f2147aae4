package usage

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind classifies what operation a record bills for.
type Kind string

const (
	KindChat       Kind = "chat"
	KindChatStream Kind = "chat_stream"
	KindSynthesis  Kind = "tts"
)

// Entry is one immutable usage record. Cost is derived from the token counts
// at record time; Metadata carries free-form diagnostic fields.
type Entry struct {
	Identity     string
	SessionID    string
	Kind         Kind
	Provider     string
	Mode         string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Ledger appends usage records to the database. Telemetry loss must never
// fail the user-facing request, so writes swallow their errors: failures are
// logged and reported to Sentry, never returned.
type Ledger struct {
	db     *pgxpool.Pool
	logger *log.Logger
}

// NewLedger creates a ledger. A nil pool disables persistence (dev mode);
// records are then dropped silently.
func NewLedger(db *pgxpool.Pool, logger *log.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Record derives the cost for the entry and appends it. Never returns an
// error to the caller.
func (l *Ledger) Record(ctx context.Context, e Entry) {
	if e.CostUSD == 0 {
		perIn, perOut := PriceForMode(e.Mode)
		e.CostUSD = Cost(e.InputTokens, e.OutputTokens, perIn, perOut)
	}
	if l.db == nil {
		return
	}

	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		meta = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO usage_records (identity, session_id, kind, provider, mode, input_tokens, output_tokens, cost_usd, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.Identity, e.SessionID, string(e.Kind), e.Provider, e.Mode, e.InputTokens, e.OutputTokens, e.CostUSD, meta)
	if err != nil {
		l.logger.Printf("usage: record failed for identity=%s session=%s: %v", e.Identity, e.SessionID, err)
		sentry.CaptureException(err)
	}
}

// RecordAsync appends the entry without blocking the caller.
func (l *Ledger) RecordAsync(e Entry) {
	if l.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.Record(ctx, e)
	}()
}
