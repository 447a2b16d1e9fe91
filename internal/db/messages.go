package db

import (
	"context"
	"fmt"

	"github.com/cbrain/controlplane/internal/models"
)

func (d *DB) CreateMessage(ctx context.Context, m *models.Message) error {
	res, err := d.conn.ExecContext(ctx, `
		INSERT INTO messages (user_id, severity, header, body, critical, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, m.UserID, m.Severity, m.Header, m.Body, boolInt(m.Critical), unix(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (d *DB) MessagesFor(ctx context.Context, userID int64) ([]models.Message, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT id, user_id, severity, header, body, critical, created_at FROM messages
		WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m        models.Message
			critical int
			at       int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Severity, &m.Header, &m.Body, &critical, &at); err != nil {
			return nil, err
		}
		m.Critical = critical != 0
		m.CreatedAt = fromUnix(at)
		out = append(out, m)
	}
	return out, rows.Err()
}
