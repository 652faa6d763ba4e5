package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"ysod-timeline/core/timeline"

	"github.com/gofrs/uuid/v5"
)

type AuditRecord struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Details   string `json:"details,omitempty"`
	Hash      string `json:"hash"`
	CreatedAt string `json:"created_at"`
}

type AuditStore interface {
	Log(ctx context.Context, actorID, action, resource, details string) error
	List(ctx context.Context, limit int) ([]AuditRecord, error)
}

type auditStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewAuditStore(db *sql.DB, dialect Dialect) AuditStore {
	return &auditStore{db: db, dialect: dialect}
}

// AuditHash is the compliance digest of one audit record.
func AuditHash(actorID, action, resource, timestamp string) string {
	sum := sha256.Sum256([]byte(actorID + ":" + action + ":" + resource + ":" + timestamp))
	return hex.EncodeToString(sum[:])
}

func (s *auditStore) Log(ctx context.Context, actorID, action, resource, details string) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		actorID = "system"
	}
	ts := timeline.FormatTimestamp(time.Now())
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO audit_log(id, actor_id, action, resource, details, hash, created_at)
		VALUES(?,?,?,?,?,?,?)`),
		id.String(), actorID, action, resource, details, AuditHash(actorID, action, resource, ts), ts)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	return nil
}

func (s *auditStore) List(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT id, actor_id, action, resource, details, hash, created_at
		FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.ActorID, &r.Action, &r.Resource, &r.Details, &r.Hash, &r.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}
