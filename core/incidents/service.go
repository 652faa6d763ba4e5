package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ysod-timeline/config"
	"ysod-timeline/core/rbac"
	"ysod-timeline/core/store"
	"ysod-timeline/core/timeline"
	"ysod-timeline/core/utils"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrChainCorrupted = timeline.ErrChainCorrupted
	ErrConflict       = store.ErrConflict
	ErrInvalidPayload = timeline.ErrInvalidPayload
)

// CorruptionError carries the verdict of a chain that failed verification.
type CorruptionError struct {
	IncidentID string
	Result     timeline.Result
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("incident %s: %s at entry %s", e.IncidentID, e.Result.Error, e.Result.CorruptedEntryID)
}

func (e *CorruptionError) Unwrap() error { return ErrChainCorrupted }

type EntryView struct {
	timeline.Entry
	ActorName string `json:"actorName"`
	Summary   string `json:"summary"`
}

type TimelineView struct {
	IncidentID string          `json:"incidentId"`
	Entries    []EntryView     `json:"entries"`
	Total      int             `json:"total"`
	Truncated  bool            `json:"truncated,omitempty"`
	Integrity  timeline.Result `json:"integrity"`
	Tip        string          `json:"tipHash,omitempty"`
}

type IncidentSummary struct {
	IncidentID string `json:"incidentId"`
	Entries    int    `json:"entries"`
}

type Service struct {
	cfg      *config.AppConfig
	hasher   *timeline.Hasher
	verifier *timeline.Verifier
	entries  store.TimelineStore
	users    store.UsersStore
	audits   store.AuditStore
	authz    *rbac.Authorizer
	logger   *utils.Logger
	tracer   trace.Tracer
	locks    *incidentLocks
	now      func() time.Time
}

func NewService(cfg *config.AppConfig, entries store.TimelineStore, users store.UsersStore, audits store.AuditStore, authz *rbac.Authorizer, logger *utils.Logger) (*Service, error) {
	if cfg == nil {
		cfg = &config.AppConfig{}
	}
	hasher, err := timeline.NewHasherFromNames(cfg.Timeline.CanonicalEncoding, cfg.Timeline.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Service{
		cfg:      cfg,
		hasher:   hasher,
		verifier: timeline.NewVerifier(hasher),
		entries:  entries,
		users:    users,
		audits:   audits,
		authz:    authz,
		logger:   logger,
		tracer:   otel.Tracer("ysod-timeline/core/incidents"),
		locks:    newIncidentLocks(),
		now:      utils.NowUTC,
	}, nil
}

func (s *Service) Hasher() *timeline.Hasher { return s.hasher }

func (s *Service) startSpan(ctx context.Context, name, incidentID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("incident.id", incidentID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) resolveActor(ctx context.Context, actorID string) (*store.User, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrForbidden)
	}
	u, err := s.users.Get(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if u == nil || !u.Active {
		return nil, fmt.Errorf("%w: unknown actor %s", ErrForbidden, actorID)
	}
	return u, nil
}

// Append validates, links and persists one entry on behalf of actorID. The
// actor always becomes the entry's author. Id and CreatedAt are assigned when
// empty.
func (s *Service) Append(ctx context.Context, actorID string, p timeline.Payload) (entry timeline.Entry, err error) {
	ctx, span := s.startSpan(ctx, "incidents.Append", p.IncidentID)
	span.SetAttributes(attribute.String("timeline.action", string(p.ActionType)))
	defer func() { endSpan(span, err) }()

	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return timeline.Entry{}, err
	}
	p.IncidentID = strings.TrimSpace(p.IncidentID)
	if p.IncidentID == "" {
		return timeline.Entry{}, fmt.Errorf("%w: incident id is required", ErrInvalidPayload)
	}
	if !p.ActionType.Valid() {
		return timeline.Entry{}, fmt.Errorf("%w: unknown action type %q", ErrInvalidPayload, p.ActionType)
	}
	resource := IncidentResource(p.IncidentID)
	if !s.authz.CanAppend(actor.Role, p.ActionType) {
		Log(s.audits, ctx, actor.ID, AuditAppendDenied, resource, "denied", "action="+string(p.ActionType))
		return timeline.Entry{}, fmt.Errorf("%w: role %s may not append %s", ErrForbidden, actor.Role, p.ActionType)
	}
	p.ActorID = actor.ID
	if strings.TrimSpace(p.ID) == "" {
		id, err := uuid.NewV4()
		if err != nil {
			return timeline.Entry{}, err
		}
		p.ID = id.String()
	}

	unlock := s.locks.lock(p.IncidentID)
	defer unlock()

	stored, err := s.entries.LoadEntries(ctx, p.IncidentID)
	if err != nil {
		return timeline.Entry{}, err
	}
	if res := s.verifier.Verify(stored); !res.Valid {
		s.reportViolation(ctx, actor.ID, p.IncidentID, res)
		return timeline.Entry{}, &CorruptionError{IncidentID: p.IncidentID, Result: res}
	}
	site := timeline.IncidentSite(stored)
	if site == "" {
		site = timeline.PayloadSite(p)
	}
	if err := s.requireSite(ctx, actor, p.IncidentID, site); err != nil {
		return timeline.Entry{}, err
	}
	staged := timeline.NewChainedLog(s.hasher)
	if err := staged.Restore(p.IncidentID, stored); err != nil {
		return timeline.Entry{}, err
	}
	state := staged.Tip(p.IncidentID)
	if strings.TrimSpace(p.CreatedAt) == "" {
		p.CreatedAt = nextTimestamp(s.now(), state.TipCreatedAt)
	} else if err := s.checkClientTimestamp(p.CreatedAt); err != nil {
		Log(s.audits, ctx, actor.ID, AuditAppendFailed, resource, "invalid", err.Error())
		return timeline.Entry{}, err
	}
	entry, err = staged.Append(p)
	if err != nil {
		Log(s.audits, ctx, actor.ID, AuditAppendFailed, resource, "invalid", err.Error())
		return timeline.Entry{}, err
	}
	if err := s.entries.SaveEntry(ctx, entry); err != nil {
		Log(s.audits, ctx, actor.ID, AuditAppendFailed, resource, "error", "entry="+entry.ID)
		return timeline.Entry{}, err
	}
	Log(s.audits, ctx, actor.ID, AuditAppend, resource, "success", fmt.Sprintf("entry=%s action=%s hash=%s", entry.ID, entry.ActionType, entry.Hash))
	span.SetAttributes(attribute.String("timeline.entry_id", entry.ID), attribute.Int("timeline.length", state.Length+1))
	return entry, nil
}

// nextTimestamp returns now, or one millisecond past the tip when the clock
// has not moved beyond it.
func nextTimestamp(now time.Time, tip string) string {
	candidate := timeline.FormatTimestamp(now)
	if tip == "" || candidate > tip {
		return candidate
	}
	if t, err := timeline.ParseTimestamp(tip); err == nil {
		if bumped := timeline.FormatTimestamp(t.Add(time.Millisecond)); bumped > tip {
			return bumped
		}
	}
	return candidate
}

// checkClientTimestamp refuses caller-supplied times that are malformed or
// ahead of the server clock by more than the configured skew.
func (s *Service) checkClientTimestamp(createdAt string) error {
	t, err := timeline.ParseTimestamp(strings.TrimSpace(createdAt))
	if err != nil {
		return fmt.Errorf("%w: created at: %v", ErrInvalidPayload, err)
	}
	if limit := s.now().Add(s.cfg.MaxClockSkew()); t.After(limit) {
		return fmt.Errorf("%w: created at %s is ahead of server time", ErrInvalidPayload, createdAt)
	}
	return nil
}

func (s *Service) reportViolation(ctx context.Context, actorID, incidentID string, res timeline.Result) {
	s.logger.Errorf("INTEGRITY incident=%s entry=%s error=%q", incidentID, res.CorruptedEntryID, res.Error)
	Log(s.audits, ctx, actorID, AuditIntegrityViolation, IncidentResource(incidentID), string(res.Kind()), "entry="+res.CorruptedEntryID)
}

// Entries returns the incident timeline sorted for display, with actor names
// and the integrity verdict over all stored entries. Only the newest
// list-limit entries are returned.
func (s *Service) Entries(ctx context.Context, actorID, incidentID string) (view *TimelineView, err error) {
	ctx, span := s.startSpan(ctx, "incidents.Entries", incidentID)
	defer func() { endSpan(span, err) }()

	actor, err := s.requireView(ctx, actorID, incidentID)
	if err != nil {
		return nil, err
	}
	stored, err := s.entries.LoadEntries(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if err := s.requireSite(ctx, actor, incidentID, timeline.IncidentSite(stored)); err != nil {
		return nil, err
	}
	res := s.verifier.Verify(stored)
	if !res.Valid {
		s.reportViolation(ctx, actor.ID, incidentID, res)
	}
	sorted := timeline.SortEntries(stored)
	view = &TimelineView{IncidentID: incidentID, Total: len(sorted), Integrity: res}
	if len(sorted) > 0 {
		view.Tip = sorted[len(sorted)-1].Hash
	}
	if limit := s.cfg.EffectiveListLimit(); len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
		view.Truncated = true
	}
	view.Entries = s.decorate(ctx, sorted)
	return view, nil
}

func (s *Service) decorate(ctx context.Context, entries []timeline.Entry) []EntryView {
	names := map[string]string{}
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		name, ok := names[e.ActorID]
		if !ok {
			u, err := s.users.Get(ctx, e.ActorID)
			if err != nil {
				s.logger.Errorf("resolve actor %s: %v", e.ActorID, err)
			}
			name = store.DisplayName(u, e.ActorID)
			names[e.ActorID] = name
		}
		out = append(out, EntryView{Entry: e, ActorName: name, Summary: timeline.Summary(e.Payload)})
	}
	return out
}

func (s *Service) requireView(ctx context.Context, actorID, incidentID string) (*store.User, error) {
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanView(actor.Role) {
		Log(s.audits, ctx, actor.ID, AuditAccessDenied, IncidentResource(incidentID), "denied", "")
		return nil, fmt.Errorf("%w: role %s may not view timelines", ErrForbidden, actor.Role)
	}
	return actor, nil
}

func (s *Service) requireSite(ctx context.Context, actor *store.User, incidentID, site string) error {
	if actor.CanReadSite(site) {
		return nil
	}
	Log(s.audits, ctx, actor.ID, AuditAccessDenied, IncidentResource(incidentID), "denied", "site="+site)
	return fmt.Errorf("%w: actor %s has no access to site %s", ErrForbidden, actor.ID, site)
}

// Verify replays the stored chain of one incident. Corruption is part of the
// result, not an error.
func (s *Service) Verify(ctx context.Context, incidentID string) (res timeline.Result, err error) {
	ctx, span := s.startSpan(ctx, "incidents.Verify", incidentID)
	defer func() {
		span.SetAttributes(attribute.Bool("timeline.valid", res.Valid))
		endSpan(span, err)
	}()
	stored, err := s.entries.LoadEntries(ctx, incidentID)
	if err != nil {
		return timeline.Result{}, err
	}
	return s.verifier.Verify(stored), nil
}

// VerifyAs is Verify with a view permission check and an audit record.
func (s *Service) VerifyAs(ctx context.Context, actorID, incidentID string) (timeline.Result, error) {
	actor, err := s.requireView(ctx, actorID, incidentID)
	if err != nil {
		return timeline.Result{}, err
	}
	stored, err := s.entries.LoadEntries(ctx, incidentID)
	if err != nil {
		return timeline.Result{}, err
	}
	if err := s.requireSite(ctx, actor, incidentID, timeline.IncidentSite(stored)); err != nil {
		return timeline.Result{}, err
	}
	res := s.verifier.Verify(stored)
	Log(s.audits, ctx, actor.ID, AuditVerify, IncidentResource(incidentID), string(res.Kind()), res.CorruptedEntryID)
	if !res.Valid {
		s.reportViolation(ctx, actor.ID, incidentID, res)
	}
	return res, nil
}

// VerifyEntries checks an externally supplied entry array with the
// service's hasher. Nothing is stored.
func (s *Service) VerifyEntries(ctx context.Context, actorID string, entries []timeline.Entry) (timeline.Result, error) {
	actor, err := s.resolveActor(ctx, actorID)
	if err != nil {
		return timeline.Result{}, err
	}
	if !s.authz.CanVerify(actor.Role) {
		Log(s.audits, ctx, actor.ID, AuditAccessDenied, "timeline:external", "denied", "")
		return timeline.Result{}, fmt.Errorf("%w: role %s may not verify external timelines", ErrForbidden, actor.Role)
	}
	res := s.verifier.Verify(entries)
	Log(s.audits, ctx, actor.ID, AuditVerifyExternal, "timeline:external", string(res.Kind()), fmt.Sprintf("entries=%d", len(entries)))
	return res, nil
}

func (s *Service) IncidentIDs(ctx context.Context) ([]string, error) {
	return s.entries.ListIncidentIDs(ctx)
}

func (s *Service) ListIncidents(ctx context.Context, actorID string) ([]IncidentSummary, error) {
	actor, err := s.requireView(ctx, actorID, "*")
	if err != nil {
		return nil, err
	}
	ids, err := s.entries.ListIncidentIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]IncidentSummary, 0, len(ids))
	for _, id := range ids {
		if len(actor.Sites) > 0 {
			stored, err := s.entries.LoadEntries(ctx, id)
			if err != nil {
				return nil, err
			}
			if !actor.CanReadSite(timeline.IncidentSite(stored)) {
				continue
			}
		}
		n, err := s.entries.CountEntries(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, IncidentSummary{IncidentID: id, Entries: n})
	}
	return out, nil
}

// RecordViolation is used by background verification to audit a failed chain.
func (s *Service) RecordViolation(ctx context.Context, incidentID string, res timeline.Result) {
	s.reportViolation(ctx, "", incidentID, res)
}
