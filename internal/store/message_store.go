package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cliorch/cliorchd/pkg/models"
)

// MessageStore persists canonical events as append-only rows keyed by
// (project_id, seq), per spec §4.2/§4.3: created on emission, never mutated,
// destroyed only with the owning project.
type MessageStore interface {
	// Append persists evt and assigns no seq of its own — the caller (the
	// owning project's Orchestrator) has already stamped evt.Seq under its
	// single-writer discipline before calling Append.
	Append(ctx context.Context, evt models.CanonicalEvent) error

	// ListSince returns every row for projectID with seq > afterSeq, in seq
	// order, for a subscriber catching up via subscribe_from_seq.
	ListSince(ctx context.Context, projectID string, afterSeq uint64, limit int) ([]models.StoredMessage, error)

	// ListTail returns the most recent limit rows for projectID, in seq
	// order, for the Subscription Hub's default join replay (spec.md §4.5:
	// "replays the tail ... default 200 most recent events").
	ListTail(ctx context.Context, projectID string, limit int) ([]models.StoredMessage, error)

	// LatestSessionInfo scans projectID's rows for the most recent
	// EventSessionInfo row per agent kind, used by the Session State Store
	// to lazily repopulate on orchestrator startup.
	LatestSessionInfo(ctx context.Context, projectID string) (map[models.AgentKind]models.StoredMessage, error)

	// DeleteProject removes every row for projectID — the only form of
	// garbage collection the Message Store performs.
	DeleteProject(ctx context.Context, projectID string) error
}

// SQLMessageStore implements MessageStore over any of the three supported
// database/sql backends. Grounded on the teacher's CockroachStore: a thin
// struct wrapping *sql.DB with prepared statements for the hot paths.
type SQLMessageStore struct {
	db             *sql.DB
	stmtAppend     *sql.Stmt
	stmtListSince  *sql.Stmt
	stmtListTail   *sql.Stmt
	stmtLatestInfo *sql.Stmt
	stmtDelete     *sql.Stmt
}

// NewSQLMessageStore prepares statements against db. Callers must have
// already applied migrations (see NewMigrator).
func NewSQLMessageStore(db *sql.DB) (*SQLMessageStore, error) {
	s := &SQLMessageStore{db: db}
	var err error

	s.stmtAppend, err = db.Prepare(`
		INSERT INTO messages (project_id, seq, request_id, role, kind, body_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare append: %w", err)
	}

	s.stmtListSince, err = db.Prepare(`
		SELECT project_id, seq, request_id, role, kind, body_json, created_at
		FROM messages WHERE project_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare list since: %w", err)
	}

	s.stmtListTail, err = db.Prepare(`
		SELECT project_id, seq, request_id, role, kind, body_json, created_at
		FROM messages WHERE project_id = $1
		ORDER BY seq DESC LIMIT $2
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare list tail: %w", err)
	}

	s.stmtLatestInfo, err = db.Prepare(`
		SELECT project_id, seq, request_id, role, kind, body_json, created_at
		FROM messages WHERE project_id = $1 AND kind = $2
		ORDER BY seq DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare latest session info: %w", err)
	}

	s.stmtDelete, err = db.Prepare(`DELETE FROM messages WHERE project_id = $1`)
	if err != nil {
		return nil, fmt.Errorf("prepare delete project: %w", err)
	}

	return s, nil
}

// Close releases the prepared statements. It does not close the underlying
// *sql.DB, which may be shared with the Session State Store's persisted
// fallback path.
func (s *SQLMessageStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtAppend, s.stmtListSince, s.stmtListTail, s.stmtLatestInfo, s.stmtDelete} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

func (s *SQLMessageStore) Append(ctx context.Context, evt models.CanonicalEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.stmtAppend.ExecContext(ctx,
		evt.ProjectID, evt.Seq, evt.RequestID,
		string(models.RoleForEvent(evt.Type)), string(evt.Type), string(body), evt.Time,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLMessageStore) ListSince(ctx context.Context, projectID string, afterSeq uint64, limit int) ([]models.StoredMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.stmtListSince.QueryContext(ctx, projectID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list since: %w", err)
	}
	defer rows.Close()
	return scanStoredMessages(rows)
}

// ListTail returns the most recent limit rows for projectID in ascending
// seq order: the underlying query runs DESC LIMIT N to get the tail
// efficiently, then the rows are reversed in Go, since SQL has no way to
// express "last N in ascending order" directly.
func (s *SQLMessageStore) ListTail(ctx context.Context, projectID string, limit int) ([]models.StoredMessage, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.stmtListTail.QueryContext(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tail: %w", err)
	}
	defer rows.Close()
	msgs, err := scanStoredMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLMessageStore) LatestSessionInfo(ctx context.Context, projectID string) (map[models.AgentKind]models.StoredMessage, error) {
	rows, err := s.stmtLatestInfo.QueryContext(ctx, projectID, string(models.EventSessionInfo))
	if err != nil {
		return nil, fmt.Errorf("latest session info: %w", err)
	}
	defer rows.Close()
	msgs, err := scanStoredMessages(rows)
	if err != nil {
		return nil, err
	}

	latest := make(map[models.AgentKind]models.StoredMessage)
	for _, m := range msgs {
		var evt models.CanonicalEvent
		if err := json.Unmarshal(m.BodyJSON, &evt); err != nil {
			continue
		}
		if _, seen := latest[evt.Agent]; !seen {
			latest[evt.Agent] = m
		}
	}
	return latest, nil
}

func (s *SQLMessageStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.stmtDelete.ExecContext(ctx, projectID)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	return nil
}

func scanStoredMessages(rows *sql.Rows) ([]models.StoredMessage, error) {
	var out []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		var role, kind, body string
		if err := rows.Scan(&m.ProjectID, &m.Seq, &m.RequestID, &role, &kind, &body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.MessageRole(role)
		m.Kind = models.CanonicalEventType(kind)
		m.BodyJSON = json.RawMessage(body)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	return out, nil
}
