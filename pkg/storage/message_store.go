package storage

import (
	"database/sql"
	"time"
)

// Message is a conversation message row cached for a project.
type Message struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"projectId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Artifact       string    `json:"artifact,omitempty"`
	Mode           string    `json:"mode"`
	Status         string    `json:"status"`
	Rating         string    `json:"rating,omitempty"`
	TokensUsed     int       `json:"tokensUsed"`
	ResponseTimeMs int       `json:"responseTimeMs"`
	FromCache      bool      `json:"fromCache"`
	CreatedAt      time.Time `json:"createdAt"`
	Seq            int       `json:"seq"`
}

// SaveMessage inserts a message and bumps project aggregates.
func (s *Store) SaveMessage(msg *Message) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	now := time.Now()
	insert := `
		INSERT INTO messages (id, project_id, role, content, artifact, mode, status, rating, tokens_used, response_time_ms, from_cache, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.Exec(insert,
		msg.ID,
		msg.ProjectID,
		msg.Role,
		msg.Content,
		nullIfEmpty(msg.Artifact),
		msg.Mode,
		msg.Status,
		nullIfEmpty(msg.Rating),
		msg.TokensUsed,
		msg.ResponseTimeMs,
		msg.FromCache,
		msg.CreatedAt,
		msg.Seq,
	); err != nil {
		_ = tx.Rollback()
		return err
	}

	update := `
		INSERT INTO projects (project_id, message_count, last_active)
		VALUES (?, 1, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			message_count = message_count + 1,
			last_active = excluded.last_active
	`
	if _, err := tx.Exec(update, msg.ProjectID, now); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// UpdateMessage rewrites the mutable columns of an existing message.
func (s *Store) UpdateMessage(msg *Message) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	update := `
		UPDATE messages
		SET content = ?, artifact = ?, status = ?, rating = ?, tokens_used = ?, response_time_ms = ?, from_cache = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(update,
		msg.Content,
		nullIfEmpty(msg.Artifact),
		msg.Status,
		nullIfEmpty(msg.Rating),
		msg.TokensUsed,
		msg.ResponseTimeMs,
		msg.FromCache,
		msg.ID,
	)
	return err
}

// MessagesForProject returns all cached messages for a project in creation order.
func (s *Store) MessagesForProject(projectID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}

	query := `
		SELECT id, project_id, role, content, artifact, mode, status, rating, tokens_used, response_time_ms, from_cache, created_at, seq
		FROM messages
		WHERE project_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.Query(query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var artifact, rating sql.NullString
		if err := rows.Scan(
			&msg.ID,
			&msg.ProjectID,
			&msg.Role,
			&msg.Content,
			&artifact,
			&msg.Mode,
			&msg.Status,
			&rating,
			&msg.TokensUsed,
			&msg.ResponseTimeMs,
			&msg.FromCache,
			&msg.CreatedAt,
			&msg.Seq,
		); err != nil {
			return nil, err
		}
		msg.Artifact = artifact.String
		msg.Rating = rating.String
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ReplaceMessages replaces all cached messages for a project with the provided set.
func (s *Store) ReplaceMessages(projectID string, messages []Message) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if _, err = tx.Exec(`DELETE FROM messages WHERE project_id = ?`, projectID); err != nil {
		_ = tx.Rollback()
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, project_id, role, content, artifact, mode, status, rating, tokens_used, response_time_ms, from_cache, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	latest := time.Time{}
	for _, msg := range messages {
		ts := msg.CreatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		if ts.After(latest) {
			latest = ts
		}
		if _, err := stmt.Exec(
			msg.ID,
			projectID,
			msg.Role,
			msg.Content,
			nullIfEmpty(msg.Artifact),
			msg.Mode,
			msg.Status,
			nullIfEmpty(msg.Rating),
			msg.TokensUsed,
			msg.ResponseTimeMs,
			msg.FromCache,
			ts,
			msg.Seq,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	update := `
		INSERT INTO projects (project_id, message_count, last_active)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			message_count = excluded.message_count,
			last_active = excluded.last_active
	`
	if _, err := tx.Exec(update, projectID, len(messages), latest); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// ClearProject removes all cached messages for a project.
func (s *Store) ClearProject(projectID string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE project_id = ?`, projectID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`UPDATE projects SET message_count = 0 WHERE project_id = ?`, projectID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
