package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/bridged/internal/model"
)

var (
	ErrDuplicate  = errors.New("duplicate")
	ErrNotFound   = errors.New("not found")
	ErrOutOfOrder = errors.New("out of order status transition")
)

// statusPrecedence resolves whether a status transition is allowed to
// proceed: a transition is valid if the target's rank is strictly greater
// than the current status's rank, except that "responded" is reachable
// directly from any earlier state.
var statusPrecedence = map[model.MessageStatus]int{
	model.MessagePending:   0,
	model.MessageDelivered: 1,
	model.MessageRead:      2,
	model.MessageResponded: 3,
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// --- clients ---------------------------------------------------------------

func (s *Store) EnsureSeedClients(ctx context.Context, now time.Time) error {
	seed := []struct {
		id   model.AssistantId
		name string
	}{
		{model.AssistantClaude, "Claude Code CLI"},
		{model.AssistantCodex, "Codex CLI"},
	}
	for _, c := range seed {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO clients(id, display_name, status, session_id, last_seen_at, created_at)
VALUES (?, ?, 'offline', NULL, NULL, ?)
ON CONFLICT(id) DO NOTHING
`, string(c.id), c.name, ts(now))
		if err != nil {
			return fmt.Errorf("seed client %s: %w", c.id, err)
		}
	}
	return nil
}

func (s *Store) SetClientStatus(ctx context.Context, id model.AssistantId, status model.ClientStatus, sessionID *string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE clients SET status = ?, session_id = ?, last_seen_at = ? WHERE id = ?
`, string(status), nullableStr(sessionID), ts(now), string(id))
	if err != nil {
		return fmt.Errorf("set client status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected set client status: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, id model.AssistantId) (model.Client, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, display_name, status, session_id, last_seen_at, created_at
FROM clients WHERE id = ?
`, string(id))
	return scanClient(row)
}

func (s *Store) ListClients(ctx context.Context) ([]model.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, display_name, status, session_id, last_seen_at, created_at
FROM clients ORDER BY id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()
	out := make([]model.Client, 0, 2)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClient(scanner interface{ Scan(dest ...any) error }) (model.Client, error) {
	var (
		id, displayName, status string
		sessionID, lastSeenAt   sql.NullString
		createdAt               string
	)
	if err := scanner.Scan(&id, &displayName, &status, &sessionID, &lastSeenAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Client{}, ErrNotFound
		}
		return model.Client{}, fmt.Errorf("scan client: %w", err)
	}
	c := model.Client{
		ID:          model.AssistantId(id),
		DisplayName: displayName,
		Status:      model.ClientStatus(status),
	}
	if sessionID.Valid {
		v := sessionID.String
		c.SessionID = &v
	}
	if lastSeenAt.Valid {
		t, err := parseTS(lastSeenAt.String)
		if err != nil {
			return model.Client{}, err
		}
		c.LastSeenAt = &t
	}
	var err error
	c.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Client{}, err
	}
	return c, nil
}

// --- conversations -----------------------------------------------------------

func (s *Store) CreateConversation(ctx context.Context, c model.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, title, project, status, created_by, created_at, updated_at, summary, metadata_json, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, c.ID, nullableStr(c.Title), nullableStr(c.Project), string(c.Status), string(c.CreatedBy),
		ts(c.CreatedAt), ts(c.UpdatedAt), nullableStr(c.Summary), nullableStr(c.MetadataRaw), nullableTS(c.ClosedAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, title, project, status, created_by, created_at, updated_at, summary, metadata_json, closed_at
FROM conversations WHERE id = ?
`, id)
	return scanConversation(row)
}

func (s *Store) ListConversations(ctx context.Context, status string, limit, offset int) ([]model.Conversation, error) {
	query := `
SELECT id, title, project, status, created_by, created_at, updated_at, summary, metadata_json, closed_at
FROM conversations`
	args := make([]any, 0, 3)
	if status != "" && status != "all" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	out := make([]model.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) TouchConversation(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, ts(now), id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected touch conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) CloseConversation(ctx context.Context, id string, status model.ConversationStatus, summary *string, now time.Time) (model.Conversation, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations SET status = ?, summary = COALESCE(?, summary), closed_at = ?, updated_at = ?
WHERE id = ?
`, string(status), nullableStr(summary), ts(now), ts(now), id)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("close conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Conversation{}, fmt.Errorf("rows affected close conversation: %w", err)
	}
	if affected == 0 {
		return model.Conversation{}, ErrNotFound
	}
	return s.GetConversation(ctx, id)
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (model.Conversation, error) {
	var (
		id, status, createdBy, createdAt, updatedAt     string
		title, project, summary, metadataJSON, closedAt sql.NullString
	)
	if err := scanner.Scan(&id, &title, &project, &status, &createdBy, &createdAt, &updatedAt, &summary, &metadataJSON, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Conversation{}, ErrNotFound
		}
		return model.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c := model.Conversation{
		ID:        id,
		Status:    model.ConversationStatus(status),
		CreatedBy: model.AssistantId(createdBy),
	}
	c.Title = nullableStrOut(title)
	c.Project = nullableStrOut(project)
	c.Summary = nullableStrOut(summary)
	c.MetadataRaw = nullableStrOut(metadataJSON)
	var err error
	c.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Conversation{}, err
	}
	c.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Conversation{}, err
	}
	if closedAt.Valid {
		t, err := parseTS(closedAt.String)
		if err != nil {
			return model.Conversation{}, err
		}
		c.ClosedAt = &t
	}
	return c, nil
}

// --- messages ----------------------------------------------------------------

func (s *Store) CreateMessage(ctx context.Context, m model.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create message tx: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO messages(id, conversation_id, sender, target, content, message_type, priority, status, response_to_id, created_at, updated_at, delivered_at, read_at, metadata_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, m.ID, m.ConversationID, string(m.Sender), string(m.Target), m.Content, string(m.MessageType), string(m.Priority), string(m.Status),
		nullableStr(m.ResponseToID), ts(m.CreatedAt), ts(m.UpdatedAt), nullableTS(m.DeliveredAt), nullableTS(m.ReadAt), nullableStr(m.MetadataRaw))
	if err != nil {
		tx.Rollback() //nolint:errcheck
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, ts(m.CreatedAt), m.ConversationID); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("touch conversation on create message: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, sender, target, content, message_type, priority, status, response_to_id, created_at, updated_at, delivered_at, read_at, metadata_json
FROM messages WHERE id = ?
`, id)
	return scanMessage(row)
}

func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status model.MessageStatus, now time.Time) error {
	current, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	targetRank, ok := statusPrecedence[status]
	if !ok {
		return fmt.Errorf("unknown message status %q", status)
	}
	if status != model.MessageResponded && targetRank <= statusPrecedence[current.Status] {
		return ErrOutOfOrder
	}

	var deliveredAt, readAt any
	switch status {
	case model.MessageDelivered:
		deliveredAt = ts(now)
	case model.MessageRead:
		readAt = ts(now)
	}

	query := `UPDATE messages SET status = ?, updated_at = ?`
	args := []any{string(status), ts(now)}
	if deliveredAt != nil {
		query += `, delivered_at = ?`
		args = append(args, deliveredAt)
	}
	if readAt != nil {
		query += `, read_at = ?`
		args = append(args, readAt)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected update message status: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetResponseToMessage(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, sender, target, content, message_type, priority, status, response_to_id, created_at, updated_at, delivered_at, read_at, metadata_json
FROM messages WHERE response_to_id = ?
ORDER BY created_at ASC
LIMIT 1
`, id)
	return scanMessage(row)
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, sender, target, content, message_type, priority, status, response_to_id, created_at, updated_at, delivered_at, read_at, metadata_json
FROM messages WHERE conversation_id = ?
ORDER BY created_at ASC
LIMIT ? OFFSET ?
`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	out := make([]model.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (model.Message, error) {
	var (
		id, conversationID, sender, target, content, msgType, priority, status, createdAt, updatedAt string
		responseToID, deliveredAt, readAt, metadataJSON                                               sql.NullString
	)
	if err := scanner.Scan(&id, &conversationID, &sender, &target, &content, &msgType, &priority, &status,
		&responseToID, &createdAt, &updatedAt, &deliveredAt, &readAt, &metadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m := model.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         model.AssistantId(sender),
		Target:         model.AssistantId(target),
		Content:        content,
		MessageType:    model.MessageType(msgType),
		Priority:       model.MessagePriority(priority),
		Status:         model.MessageStatus(status),
	}
	m.ResponseToID = nullableStrOut(responseToID)
	m.MetadataRaw = nullableStrOut(metadataJSON)
	var err error
	m.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Message{}, err
	}
	m.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return model.Message{}, err
	}
	if deliveredAt.Valid {
		t, err := parseTS(deliveredAt.String)
		if err != nil {
			return model.Message{}, err
		}
		m.DeliveredAt = &t
	}
	if readAt.Valid {
		t, err := parseTS(readAt.String)
		if err != nil {
			return model.Message{}, err
		}
		m.ReadAt = &t
	}
	return m, nil
}

// --- queue ---------------------------------------------------------------

func (s *Store) EnqueueMessage(ctx context.Context, target model.AssistantId, messageID string, priority int, maxAttempts int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_entries(message_id, target, priority, attempts, max_attempts, next_attempt, created_at)
VALUES (?, ?, ?, 0, ?, ?, ?)
`, messageID, string(target), priority, maxAttempts, ts(now), ts(now))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("enqueue message: %w", err)
	}
	return nil
}

func (s *Store) DequeueMessages(ctx context.Context, target model.AssistantId, limit int, now time.Time) ([]model.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, message_id, target, priority, attempts, max_attempts, next_attempt, created_at
FROM queue_entries
WHERE target = ? AND next_attempt <= ? AND attempts < max_attempts
ORDER BY priority DESC, next_attempt ASC
LIMIT ?
`, string(target), ts(now), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue messages: %w", err)
	}
	defer rows.Close()
	out := make([]model.QueueEntry, 0, limit)
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) IncrementAttempts(ctx context.Context, id int64, delaySeconds int, now time.Time) error {
	next := now.Add(time.Duration(delaySeconds) * time.Second)
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_entries SET attempts = attempts + 1, next_attempt = ? WHERE id = ?
`, ts(next), id)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected increment attempts: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RemoveFromQueue(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected remove from queue: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ClearExhausted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE attempts >= max_attempts`)
	if err != nil {
		return 0, fmt.Errorf("clear exhausted: %w", err)
	}
	return res.RowsAffected()
}

func scanQueueEntry(scanner interface{ Scan(dest ...any) error }) (model.QueueEntry, error) {
	var (
		id                                      int64
		messageID, target, nextAttempt, created string
		priority, attempts, maxAttempts         int
	)
	if err := scanner.Scan(&id, &messageID, &target, &priority, &attempts, &maxAttempts, &nextAttempt, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueueEntry{}, ErrNotFound
		}
		return model.QueueEntry{}, fmt.Errorf("scan queue entry: %w", err)
	}
	e := model.QueueEntry{
		ID:          id,
		MessageID:   messageID,
		Target:      model.AssistantId(target),
		Priority:    priority,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
	var err error
	e.NextAttempt, err = parseTS(nextAttempt)
	if err != nil {
		return model.QueueEntry{}, err
	}
	e.CreatedAt, err = parseTS(created)
	if err != nil {
		return model.QueueEntry{}, err
	}
	return e, nil
}

// --- invocations ---------------------------------------------------------

func (s *Store) CreateInvocation(ctx context.Context, inv model.Invocation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO invocations(id, target, message_id, invocation_type, status, command, stdout, stderr, exit_code, created_at, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, inv.ID, string(inv.Target), inv.MessageID, string(inv.Type), string(inv.Status), nullableStr(inv.Command),
		nullableStr(inv.Stdout), nullableStr(inv.Stderr), nullableInt(inv.ExitCode), ts(inv.CreatedAt), nullableTS(inv.StartedAt), nullableTS(inv.EndedAt))
	if err != nil {
		return fmt.Errorf("create invocation: %w", err)
	}
	return nil
}

func (s *Store) UpdateInvocation(ctx context.Context, inv model.Invocation) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE invocations SET status = ?, stdout = ?, stderr = ?, exit_code = ?, started_at = ?, ended_at = ?
WHERE id = ?
`, string(inv.Status), nullableStr(inv.Stdout), nullableStr(inv.Stderr), nullableInt(inv.ExitCode), nullableTS(inv.StartedAt), nullableTS(inv.EndedAt), inv.ID)
	if err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected update invocation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetInvocation(ctx context.Context, id string) (model.Invocation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, target, message_id, invocation_type, status, command, stdout, stderr, exit_code, created_at, started_at, ended_at
FROM invocations WHERE id = ?
`, id)
	return scanInvocation(row)
}

func scanInvocation(scanner interface{ Scan(dest ...any) error }) (model.Invocation, error) {
	var (
		id, target, messageID, invType, status, createdAt     string
		command, stdout, stderr, startedAt, endedAt            sql.NullString
		exitCode                                               sql.NullInt64
	)
	if err := scanner.Scan(&id, &target, &messageID, &invType, &status, &command, &stdout, &stderr, &exitCode, &createdAt, &startedAt, &endedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Invocation{}, ErrNotFound
		}
		return model.Invocation{}, fmt.Errorf("scan invocation: %w", err)
	}
	inv := model.Invocation{
		ID:        id,
		Target:    model.AssistantId(target),
		MessageID: messageID,
		Type:      model.InvocationType(invType),
		Status:    model.InvocationStatus(status),
	}
	inv.Command = nullableStrOut(command)
	inv.Stdout = nullableStrOut(stdout)
	inv.Stderr = nullableStrOut(stderr)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		inv.ExitCode = &v
	}
	var err error
	inv.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.Invocation{}, err
	}
	if startedAt.Valid {
		t, err := parseTS(startedAt.String)
		if err != nil {
			return model.Invocation{}, err
		}
		inv.StartedAt = &t
	}
	if endedAt.Valid {
		t, err := parseTS(endedAt.String)
		if err != nil {
			return model.Invocation{}, err
		}
		inv.EndedAt = &t
	}
	return inv, nil
}

// --- shared context --------------------------------------------------------

func (s *Store) CreateSharedContext(ctx context.Context, sc model.SharedContext) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO shared_context(id, conversation_id, context_type, content, description, shared_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, sc.ID, nullableStr(sc.ConversationID), string(sc.ContextType), sc.Content, nullableStr(sc.Description), string(sc.SharedBy), ts(sc.CreatedAt))
	if err != nil {
		return fmt.Errorf("create shared context: %w", err)
	}
	return nil
}

func (s *Store) GetSharedContext(ctx context.Context, id string) (model.SharedContext, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, conversation_id, context_type, content, description, shared_by, created_at
FROM shared_context WHERE id = ?
`, id)
	return scanSharedContext(row)
}

func (s *Store) ListSharedContext(ctx context.Context, conversationID *string, limit, offset int) ([]model.SharedContext, error) {
	query := `
SELECT id, conversation_id, context_type, content, description, shared_by, created_at
FROM shared_context`
	args := make([]any, 0, 3)
	if conversationID != nil {
		query += ` WHERE conversation_id = ?`
		args = append(args, *conversationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list shared context: %w", err)
	}
	defer rows.Close()
	out := make([]model.SharedContext, 0)
	for rows.Next() {
		sc, err := scanSharedContext(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanSharedContext(scanner interface{ Scan(dest ...any) error }) (model.SharedContext, error) {
	var (
		id, contextType, content, sharedBy, createdAt string
		conversationID, description                   sql.NullString
	)
	if err := scanner.Scan(&id, &conversationID, &contextType, &content, &description, &sharedBy, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SharedContext{}, ErrNotFound
		}
		return model.SharedContext{}, fmt.Errorf("scan shared context: %w", err)
	}
	sc := model.SharedContext{
		ID:          id,
		ContextType: model.SharedContextType(contextType),
		Content:     content,
		SharedBy:    model.AssistantId(sharedBy),
	}
	sc.ConversationID = nullableStrOut(conversationID)
	sc.Description = nullableStrOut(description)
	var err error
	sc.CreatedAt, err = parseTS(createdAt)
	if err != nil {
		return model.SharedContext{}, err
	}
	return sc, nil
}

// --- retention ---------------------------------------------------------------

func (s *Store) PurgeRetention(ctx context.Context, invocationPayloadCutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE invocations SET stdout = NULL, stderr = NULL
WHERE ended_at IS NOT NULL AND ended_at < ?
`, ts(invocationPayloadCutoff))
	if err != nil {
		return fmt.Errorf("purge invocation payloads: %w", err)
	}
	return nil
}

// --- helpers -------------------------------------------------------------

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableStrOut(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func isUniqueErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed")
}
