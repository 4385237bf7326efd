// Package archive stores conversation history in SQL so it survives restarts.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/models"
)

var ErrNotArchived = errors.New("conversation not archived")

// Archive is a SQL-backed history store for sqlite3 and mysql.
type Archive struct {
	db     *sql.DB
	driver string
}

func New(db *sql.DB, driver string) *Archive {
	return &Archive{db: db, driver: strings.ToLower(driver)}
}

func (a *Archive) upsertConversationSQL() string {
	if a.driver == "mysql" {
		return `INSERT INTO conversations (id, title, model, system_prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE title = VALUES(title), model = VALUES(model), system_prompt = VALUES(system_prompt), updated_at = VALUES(updated_at)`
	}
	return `INSERT INTO conversations (id, title, model, system_prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, model = excluded.model, system_prompt = excluded.system_prompt, updated_at = excluded.updated_at`
}

// SaveConversation replaces the archived copy of conv, messages included.
func (a *Archive) SaveConversation(ctx context.Context, conv models.Conversation) (err error) {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	created, updated := conv.CreatedAt, conv.UpdatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if updated.IsZero() {
		updated = created
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, a.upsertConversationSQL(),
		conv.ID, conv.Metadata.Title, conv.Metadata.Model, conv.Metadata.SystemPrompt, created.UTC(), updated.UTC(),
	); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (conversation_id, id, seq, role, content, metadata, resources, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert message: %w", err)
	}
	defer stmt.Close()
	for _, m := range conv.Messages {
		meta, res, encErr := encodeExtras(m)
		if encErr != nil {
			err = encErr
			return err
		}
		if _, err = stmt.ExecContext(ctx,
			conv.ID, m.ID, m.Seq, string(m.Role), m.Content, meta, res, m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation: %w", err)
	}
	return nil
}

func encodeExtras(m models.Message) (meta, res sql.NullString, err error) {
	if m.Metadata != nil {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return meta, res, fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	if len(m.Resources) > 0 {
		data, err := json.Marshal(m.Resources)
		if err != nil {
			return meta, res, fmt.Errorf("encode resources: %w", err)
		}
		res = sql.NullString{String: string(data), Valid: true}
	}
	return meta, res, nil
}

// LoadConversation returns one conversation with its messages in order.
func (a *Archive) LoadConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := a.db.QueryRowContext(ctx,
		`SELECT id, title, model, system_prompt, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Metadata.Title, &conv.Metadata.Model, &conv.Metadata.SystemPrompt, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conv, fmt.Errorf("%w: %s", ErrNotArchived, id)
		}
		return conv, fmt.Errorf("get conversation: %w", err)
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT id, seq, role, content, metadata, resources, created_at, updated_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return conv, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         models.Message
			role      string
			meta, res sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Seq, &role, &m.Content, &meta, &res, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return conv, fmt.Errorf("scan message: %w", err)
		}
		m.ConversationID = id
		m.Role = models.Role(role)
		if meta.Valid && meta.String != "" {
			m.Metadata = new(models.MessageMetadata)
			if err := json.Unmarshal([]byte(meta.String), m.Metadata); err != nil {
				return conv, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
			}
		}
		if res.Valid && res.String != "" {
			if err := json.Unmarshal([]byte(res.String), &m.Resources); err != nil {
				return conv, fmt.Errorf("decode resources of %s: %w", m.ID, err)
			}
		}
		conv.Messages = append(conv.Messages, m)
	}
	return conv, rows.Err()
}

// ListConversations returns archived conversations without their messages,
// most recently updated first.
func (a *Archive) ListConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, title, model, system_prompt, created_at, updated_at FROM conversations ORDER BY updated_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.Metadata.Title, &c.Metadata.Model, &c.Metadata.SystemPrompt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its messages. Deleting an
// unknown id is not an error.
func (a *Archive) DeleteConversation(ctx context.Context, id string) (err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}
