package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ysod-timeline/core/timeline"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when a save would fork a chain (two entries
// claiming the same predecessor) or reuse an entry id.
var ErrConflict = errors.New("conflict")

type TimelineStore interface {
	LoadEntries(ctx context.Context, incidentID string) ([]timeline.Entry, error)
	SaveEntry(ctx context.Context, entry timeline.Entry) error
	GetEntry(ctx context.Context, id string) (*timeline.Entry, error)
	ListIncidentIDs(ctx context.Context) ([]string, error)
	CountEntries(ctx context.Context, incidentID string) (int, error)
}

type timelineStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewTimelineStore(db *sql.DB, dialect Dialect) TimelineStore {
	return &timelineStore{db: db, dialect: dialect}
}

const timelineColumns = `id, incident_id, actor_id, action_type, details_json, media_json, prev_hash, hash, created_at`

func (s *timelineStore) LoadEntries(ctx context.Context, incidentID string) ([]timeline.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+timelineColumns+`
		FROM timeline_entries WHERE incident_id=?
		ORDER BY created_at ASC, id ASC`), strings.TrimSpace(incidentID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []timeline.Entry{}
	for rows.Next() {
		entry, err := scanTimelineEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, entry)
	}
	return res, rows.Err()
}

func (s *timelineStore) SaveEntry(ctx context.Context, entry timeline.Entry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.Hash) == "" {
		return fmt.Errorf("entry id and hash are required")
	}
	media := entry.Media
	if media == nil {
		media = []timeline.Media{}
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return fmt.Errorf("encode media: %w", err)
	}
	details := string(entry.Details)
	if strings.TrimSpace(details) == "" {
		details = "{}"
	}
	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO timeline_entries(`+timelineColumns+`, stored_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`),
		entry.ID, entry.IncidentID, entry.ActorID, string(entry.ActionType), details, string(mediaJSON), entry.PrevHash, entry.Hash, entry.CreatedAt, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

func (s *timelineStore) GetEntry(ctx context.Context, id string) (*timeline.Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+timelineColumns+` FROM timeline_entries WHERE id=?`), strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	entry, err := scanTimelineEntry(rows)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *timelineStore) ListIncidentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT incident_id FROM timeline_entries ORDER BY incident_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (s *timelineStore) CountEntries(ctx context.Context, incidentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(1) FROM timeline_entries WHERE incident_id=?`), strings.TrimSpace(incidentID)).Scan(&n)
	return n, err
}

func scanTimelineEntry(rows *sql.Rows) (timeline.Entry, error) {
	var (
		e         timeline.Entry
		action    string
		details   string
		mediaJSON string
	)
	if err := rows.Scan(&e.ID, &e.IncidentID, &e.ActorID, &action, &details, &mediaJSON, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
		return timeline.Entry{}, err
	}
	e.ActionType = timeline.ActionType(action)
	e.Details = json.RawMessage(details)
	e.Media = []timeline.Media{}
	if strings.TrimSpace(mediaJSON) != "" {
		if err := json.Unmarshal([]byte(mediaJSON), &e.Media); err != nil {
			return timeline.Entry{}, fmt.Errorf("decode media of entry %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
