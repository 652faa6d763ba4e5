package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	Sites     []string  `json:"sites,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UsersStore is the user directory: actor id to display name and role.
type UsersStore interface {
	Get(ctx context.Context, id string) (*User, error)
	Upsert(ctx context.Context, u *User) error
	List(ctx context.Context) ([]User, error)
}

type usersStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewUsersStore(db *sql.DB, dialect Dialect) UsersStore {
	return &usersStore{db: db, dialect: dialect}
}

func (s *usersStore) Get(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT id, name, email, role, sites, active, created_at FROM users WHERE id=?`), strings.TrimSpace(id))
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

func (s *usersStore) Upsert(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	sites, _ := json.Marshal(normalizeSites(u.Sites))
	active := 0
	if u.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO users(id, name, email, role, sites, active, created_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, role=excluded.role, sites=excluded.sites, active=excluded.active`),
		strings.TrimSpace(u.ID), strings.TrimSpace(u.Name), strings.TrimSpace(u.Email), strings.TrimSpace(u.Role), string(sites), active, u.CreatedAt)
	return err
}

func (s *usersStore) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email, role, sites, active, created_at FROM users ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var sitesRaw string
	var active int
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &sitesRaw, &active, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Active = active == 1
	_ = json.Unmarshal([]byte(sitesRaw), &u.Sites)
	return &u, nil
}

func normalizeSites(sites []string) []string {
	out := make([]string, 0, len(sites))
	seen := map[string]struct{}{}
	for _, s := range sites {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// CanReadSite reports whether the user may see incidents at site. A user
// without site assignments and an incident without a site are unrestricted.
func (u *User) CanReadSite(site string) bool {
	site = strings.ToUpper(strings.TrimSpace(site))
	if u == nil || site == "" || len(u.Sites) == 0 {
		return true
	}
	for _, s := range normalizeSites(u.Sites) {
		if s == site {
			return true
		}
	}
	return false
}

// DisplayName falls back to the id when the user is unknown.
func DisplayName(u *User, id string) string {
	if u != nil && strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return id
}
