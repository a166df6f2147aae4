package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversation history in the assistant_messages table.
// Ordering within a session follows the bigserial id, so insertion order is
// the chronological order.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store backed by the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts one message at the end of the session's log.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, msg Message) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO assistant_messages (session_id, role, channel, content, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sessionID, string(msg.Role), string(msg.Channel), msg.Content, msg.InputTokens, msg.OutputTokens)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Recent returns the newest limit messages of the session in chronological
// order. The window query selects newest-first and reverses in memory.
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT role, channel, content, input_tokens, output_tokens, created_at
		FROM assistant_messages
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []Message
	for rows.Next() {
		var m Message
		var role, channel string
		if err := rows.Scan(&role, &channel, &m.Content, &m.InputTokens, &m.OutputTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.Channel = Channel(channel)
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to oldest-of-window first.
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}
