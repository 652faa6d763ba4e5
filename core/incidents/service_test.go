package incidents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ysod-timeline/config"
	"ysod-timeline/core/rbac"
	"ysod-timeline/core/store"
	"ysod-timeline/core/timeline"
	"ysod-timeline/core/utils"
)

type fixture struct {
	svc     *Service
	entries store.TimelineStore
	audits  store.AuditStore
	db      *sql.DB
}

func newFixture(t *testing.T, mutate func(*config.AppConfig)) *fixture {
	t.Helper()
	cfg := &config.AppConfig{DBDriver: "sqlite", DBURL: filepath.Join(t.TempDir(), "timeline.db")}
	cfg.Timeline.DigestAlgorithm = timeline.AlgorithmSHA256
	cfg.Timeline.CanonicalEncoding = timeline.EncodingJSON
	cfg.Timeline.ListLimit = 500
	cfg.Timeline.ExportLimit = 5000
	if mutate != nil {
		mutate(cfg)
	}
	logger := utils.NewDiscardLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	dialect := store.DialectFor(cfg)
	if err := store.ApplyMigrations(context.Background(), db, dialect, logger); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	users := store.NewUsersStore(db, dialect)
	for _, u := range []store.User{
		{ID: "u-cmd", Name: "Commander Ada", Role: rbac.RoleIncidentCommander, Active: true},
		{ID: "u-disp", Name: "Dispatcher Lin", Role: rbac.RoleDispatcher, Active: true},
		{ID: "u-field", Name: "Responder Sam", Role: rbac.RoleFieldResponder, Active: true},
		{ID: "u-view", Name: "Viewer Kai", Role: rbac.RoleViewer, Active: true},
		{ID: "u-legal", Name: "Counsel Ray", Role: rbac.RoleComplianceLegal, Active: true},
		{ID: "u-gone", Name: "Former", Role: rbac.RoleIncidentCommander, Active: false},
		{ID: "u-ngl", Name: "Supervisor Noor", Role: rbac.RoleSecuritySupervisor, Sites: []string{"ngl"}, Active: true},
	} {
		u := u
		if err := users.Upsert(context.Background(), &u); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	authz, err := rbac.NewDefault()
	if err != nil {
		t.Fatalf("authz: %v", err)
	}
	entries := store.NewTimelineStore(db, dialect)
	audits := store.NewAuditStore(db, dialect)
	svc, err := NewService(cfg, entries, users, audits, authz, logger)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &fixture{svc: svc, entries: entries, audits: audits, db: db}
}

func note(incidentID, text string) timeline.Payload {
	raw, _ := timeline.EncodeDetails(timeline.NoteDetails{Text: text})
	return timeline.Payload{IncidentID: incidentID, ActionType: timeline.ActionNote, Details: raw}
}

func details(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := timeline.EncodeDetails(v)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	return raw
}

func TestAppendAssignsIDTimestampAndLinks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.svc.Append(ctx, "u-cmd", timeline.Payload{IncidentID: "inc-1", ActionType: timeline.ActionCreated, Details: json.RawMessage(`{"type":"fire"}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.ID == "" || first.CreatedAt == "" || first.PrevHash != "" {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if len(first.CreatedAt) != len(timeline.TimestampLayout) {
		t.Fatalf("expected fixed width timestamp, got %s", first.CreatedAt)
	}
	second, err := f.svc.Append(ctx, "u-disp", note("inc-1", "units en route"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.PrevHash != first.Hash || second.ActorID != "u-disp" {
		t.Fatalf("unexpected second entry %+v", second)
	}
	res, err := f.svc.Verify(ctx, "inc-1")
	if err != nil || !res.Valid {
		t.Fatalf("verify: %+v %v", res, err)
	}
}

func TestAppendOverridesActor(t *testing.T) {
	f := newFixture(t, nil)
	p := note("inc-1", "hello")
	p.ActorID = "u-cmd"
	entry, err := f.svc.Append(context.Background(), "u-field", p)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.ActorID != "u-field" {
		t.Fatalf("actor must come from the caller, got %s", entry.ActorID)
	}
}

func TestAppendPermissions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	cases := []struct {
		actor  string
		action timeline.ActionType
	}{
		{"u-view", timeline.ActionNote},
		{"u-legal", timeline.ActionNote},
		{"u-field", timeline.ActionStatusChanged},
		{"u-disp", timeline.ActionControlApproved},
		{"u-gone", timeline.ActionNote},
		{"nobody", timeline.ActionNote},
		{"", timeline.ActionNote},
	}
	for _, tc := range cases {
		_, err := f.svc.Append(ctx, tc.actor, timeline.Payload{IncidentID: "inc-1", ActionType: tc.action})
		if !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s/%s: expected ErrForbidden, got %v", tc.actor, tc.action, err)
		}
	}
	if n, _ := f.entries.CountEntries(ctx, "inc-1"); n != 0 {
		t.Fatalf("denied appends must not store entries, got %d", n)
	}
	records, err := f.audits.List(ctx, 50)
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	denied := 0
	for _, r := range records {
		if r.Action == AuditAppendDenied {
			denied++
		}
	}
	if denied != 4 {
		t.Fatalf("expected 4 denied audit rows, got %d", denied)
	}
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.svc.Append(ctx, "u-cmd", timeline.Payload{ActionType: timeline.ActionNote}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for missing incident, got %v", err)
	}
	if _, err := f.svc.Append(ctx, "u-cmd", timeline.Payload{IncidentID: "inc-1", ActionType: "Deleted"}); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for unknown action, got %v", err)
	}
	bad := note("inc-1", "x")
	bad.Details = json.RawMessage(`[1]`)
	if _, err := f.svc.Append(ctx, "u-cmd", bad); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for array details, got %v", err)
	}
}

func TestAppendRefusesCorruptedChain(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Append(ctx, "u-cmd", note("inc-1", fmt.Sprintf("n%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	stored, _ := f.entries.LoadEntries(ctx, "inc-1")
	victim := stored[1]
	if _, err := f.db.ExecContext(ctx, `UPDATE timeline_entries SET details_json=? WHERE id=?`, `{"text":"rewritten"}`, victim.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err := f.svc.Append(ctx, "u-cmd", note("inc-1", "after"))
	if !errors.Is(err, ErrChainCorrupted) {
		t.Fatalf("expected ErrChainCorrupted, got %v", err)
	}
	var ce *CorruptionError
	if !errors.As(err, &ce) || ce.Result.CorruptedEntryID != victim.ID || ce.Result.Error != timeline.ErrorHashMismatch {
		t.Fatalf("unexpected corruption detail %+v", ce)
	}
	res, err := f.svc.Verify(ctx, "inc-1")
	if err != nil || res.Valid || res.CorruptedEntryID != victim.ID {
		t.Fatalf("unexpected verify result %+v %v", res, err)
	}
	if n, _ := f.entries.CountEntries(ctx, "inc-1"); n != 3 {
		t.Fatalf("append must not extend a corrupted chain")
	}
}

func TestAppendRejectsBackdatedEntry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := note("inc-1", "first")
	p.CreatedAt = "2024-05-01T10:00:00.000Z"
	if _, err := f.svc.Append(ctx, "u-cmd", p); err != nil {
		t.Fatalf("append: %v", err)
	}
	late := note("inc-1", "late")
	late.CreatedAt = "2024-05-01T09:00:00.000Z"
	if _, err := f.svc.Append(ctx, "u-cmd", late); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected backdated entry to be rejected, got %v", err)
	}
}

func TestAppendRejectsMalformedClientTimestamp(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, at := range []string{"tomorrow", "2024-05-01T10:00:00Z", "2024-05-01 10:00:00.000Z", "9999-12-31T23:59:59.999Z"} {
		p := note("inc-1", "client time")
		p.CreatedAt = at
		if _, err := f.svc.Append(ctx, "u-cmd", p); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: expected invalid payload, got %v", at, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Append(ctx, "u-cmd", note("inc-1", fmt.Sprintf("n%d", i))); err != nil {
			t.Fatalf("append %d after rejected timestamps: %v", i, err)
		}
	}
	var failed int
	if err := f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log WHERE action = ?", AuditAppendFailed).Scan(&failed); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if failed != 4 {
		t.Fatalf("expected 4 failed append audits, got %d", failed)
	}
}

func TestAppendAcceptsClientTimestampWithinSkew(t *testing.T) {
	f := newFixture(t, func(cfg *config.AppConfig) { cfg.Timeline.MaxClockSkew = time.Minute })
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }
	ctx := context.Background()
	status := timeline.Payload{IncidentID: "inc-1", ActionType: timeline.ActionStatusChanged, Details: details(t, timeline.StatusChangedDetails{From: "open", To: "contained"})}
	status.CreatedAt = timeline.FormatTimestamp(fixed.Add(30 * time.Second))
	if _, err := f.svc.Append(ctx, "u-cmd", status); err != nil {
		t.Fatalf("append within skew: %v", err)
	}
	ahead := note("inc-1", "ahead")
	ahead.CreatedAt = timeline.FormatTimestamp(fixed.Add(2 * time.Minute))
	if _, err := f.svc.Append(ctx, "u-cmd", ahead); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected skew rejection, got %v", err)
	}
	next, err := f.svc.Append(ctx, "u-cmd", note("inc-1", "server time"))
	if err != nil {
		t.Fatalf("append after client timestamp: %v", err)
	}
	if next.CreatedAt != "2024-05-01T10:00:30.001Z" {
		t.Fatalf("expected bump past client tip, got %s", next.CreatedAt)
	}
	view, err := f.svc.Entries(ctx, "u-view", "inc-1")
	if err != nil || !view.Integrity.Valid {
		t.Fatalf("unexpected view %+v %v", view, err)
	}
	if view.Entries[0].Summary != "status open -> contained" {
		t.Fatalf("unexpected summary %q", view.Entries[0].Summary)
	}
}

func TestAppendRejectsReusedEntryID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := note("inc-1", "first")
	first.ID = "entry-1"
	if _, err := f.svc.Append(ctx, "u-cmd", first); err != nil {
		t.Fatalf("append: %v", err)
	}
	again := note("inc-1", "again")
	again.ID = "entry-1"
	if _, err := f.svc.Append(ctx, "u-cmd", again); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected reused id to be rejected, got %v", err)
	}
	if n, _ := f.entries.CountEntries(ctx, "inc-1"); n != 1 {
		t.Fatalf("expected 1 stored entry, got %d", n)
	}
}

func TestSiteScopedActor(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for id, site := range map[string]string{"inc-ngl": "NGL", "inc-cot": "COT"} {
		created := timeline.Payload{IncidentID: id, ActionType: timeline.ActionCreated, Details: details(t, timeline.CreatedDetails{Type: "fire", Site: site})}
		if _, err := f.svc.Append(ctx, "u-cmd", created); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if _, err := f.svc.Append(ctx, "u-cmd", note("inc-open", "no site")); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := f.svc.Entries(ctx, "u-ngl", "inc-ngl"); err != nil {
		t.Fatalf("expected access to own site: %v", err)
	}
	if _, err := f.svc.Entries(ctx, "u-ngl", "inc-cot"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for other site, got %v", err)
	}
	if _, err := f.svc.Export(ctx, "u-ngl", "inc-cot"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden export, got %v", err)
	}
	if _, err := f.svc.VerifyAs(ctx, "u-ngl", "inc-cot"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden verify, got %v", err)
	}
	if _, err := f.svc.Append(ctx, "u-ngl", note("inc-cot", "crossing over")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden append, got %v", err)
	}
	created := timeline.Payload{IncidentID: "inc-new", ActionType: timeline.ActionCreated, Details: details(t, timeline.CreatedDetails{Site: "cot"})}
	if _, err := f.svc.Append(ctx, "u-ngl", created); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden create at other site, got %v", err)
	}
	if _, err := f.svc.Append(ctx, "u-ngl", note("inc-open", "unscoped")); err != nil {
		t.Fatalf("expected unscoped incident to stay writable: %v", err)
	}

	list, err := f.svc.ListIncidents(ctx, "u-ngl")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, s := range list {
		ids = append(ids, s.IncidentID)
	}
	if strings.Join(ids, ",") != "inc-ngl,inc-open" {
		t.Fatalf("unexpected scoped list %v", ids)
	}
	if all, _ := f.svc.ListIncidents(ctx, "u-view"); len(all) != 3 {
		t.Fatalf("expected unscoped viewer to list 3 incidents, got %d", len(all))
	}
}

func TestAppendBumpsTimestampPastTip(t *testing.T) {
	f := newFixture(t, nil)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }
	ctx := context.Background()
	var prev timeline.Entry
	for i := 0; i < 5; i++ {
		e, err := f.svc.Append(ctx, "u-cmd", note("inc-1", fmt.Sprintf("n%d", i)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i > 0 && e.CreatedAt <= prev.CreatedAt {
			t.Fatalf("timestamps must increase: %s then %s", prev.CreatedAt, e.CreatedAt)
		}
		prev = e
	}
	if res, _ := f.svc.Verify(ctx, "inc-1"); !res.Valid {
		t.Fatalf("expected valid chain, got %+v", res)
	}
}

func TestConcurrentAppendsSameIncident(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.Append(ctx, "u-disp", note("inc-1", fmt.Sprintf("w%d", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}
	view, err := f.svc.Entries(ctx, "u-view", "inc-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if view.Total != 20 || !view.Integrity.Valid {
		t.Fatalf("unexpected view total=%d integrity=%+v", view.Total, view.Integrity)
	}
}

func TestEntriesDecoratesAndTruncates(t *testing.T) {
	f := newFixture(t, func(cfg *config.AppConfig) { cfg.Timeline.ListLimit = 2 })
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Append(ctx, "u-cmd", note("inc-1", fmt.Sprintf("n%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	view, err := f.svc.Entries(ctx, "u-view", "inc-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if view.Total != 3 || len(view.Entries) != 2 || !view.Truncated {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Entries[1].Summary != "n2" || view.Entries[0].ActorName != "Commander Ada" {
		t.Fatalf("unexpected decoration %+v", view.Entries)
	}
	if view.Tip != view.Entries[1].Hash {
		t.Fatalf("tip must be the newest hash")
	}
	if _, err := f.svc.Entries(ctx, "nobody", "inc-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for unknown actor, got %v", err)
	}
}

func TestListIncidentsAndExport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	created := timeline.Payload{IncidentID: "inc-b", ActionType: timeline.ActionCreated, Details: details(t, timeline.CreatedDetails{Type: "intrusion", Priority: "High"})}
	if _, err := f.svc.Append(ctx, "u-cmd", created); err != nil {
		t.Fatalf("append: %v", err)
	}
	media := note("inc-b", "cam | north")
	media.ActionType = timeline.ActionMediaAttached
	media.Media = []timeline.Media{{URL: "https://cdn.example/a.jpg", Kind: timeline.MediaImage}}
	if _, err := f.svc.Append(ctx, "u-field", media); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := f.svc.Append(ctx, "u-cmd", note("inc-a", "x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	list, err := f.svc.ListIncidents(ctx, "u-view")
	if err != nil || len(list) != 2 || list[0].IncidentID != "inc-a" || list[1].Entries != 2 {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	out, err := f.svc.Export(ctx, "u-legal", "inc-b")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	md := string(out)
	for _, want := range []string{"# Incident inc-b timeline", "Integrity: VALID", "incident created / intrusion / High", "Responder Sam", "https://cdn.example/a.jpg", "sha256 over json"} {
		if !strings.Contains(md, want) {
			t.Fatalf("export missing %q:\n%s", want, md)
		}
	}
}

func TestVerifyEntriesExternal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.svc.Append(ctx, "u-cmd", note("inc-1", fmt.Sprintf("n%d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	stored, _ := f.entries.LoadEntries(ctx, "inc-1")
	res, err := f.svc.VerifyEntries(ctx, "u-legal", stored)
	if err != nil || !res.Valid {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	stored[0].Hash = strings.Repeat("0", 64)
	res, err = f.svc.VerifyEntries(ctx, "u-legal", stored)
	if err != nil || res.Valid {
		t.Fatalf("expected corruption, got %+v %v", res, err)
	}
	if _, err := f.svc.VerifyEntries(ctx, "u-field", stored); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestNextTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := nextTimestamp(now, ""); got != "2024-05-01T10:00:00.000Z" {
		t.Fatalf("unexpected %s", got)
	}
	if got := nextTimestamp(now, "2024-05-01T10:00:00.000Z"); got != "2024-05-01T10:00:00.001Z" {
		t.Fatalf("unexpected bump %s", got)
	}
	if got := nextTimestamp(now, "2024-05-01T09:00:00.000Z"); got != "2024-05-01T10:00:00.000Z" {
		t.Fatalf("unexpected %s", got)
	}
}
