package timeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrChainCorrupted is returned by Load when the supplied entries do not form
// a valid chain.
var ErrChainCorrupted = errors.New("timeline chain corrupted")

// NormalizePayload validates caller-supplied content and returns the form that
// gets sealed.
func NormalizePayload(p Payload) (Payload, error) {
	p = p.clone()
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return Payload{}, fmt.Errorf("%w: id is required", ErrInvalidPayload)
	}
	p.IncidentID = strings.TrimSpace(p.IncidentID)
	if p.IncidentID == "" {
		return Payload{}, fmt.Errorf("%w: incident id is required", ErrInvalidPayload)
	}
	p.ActorID = strings.TrimSpace(p.ActorID)
	if p.ActorID == "" {
		return Payload{}, fmt.Errorf("%w: actor id is required", ErrInvalidPayload)
	}
	if !p.ActionType.Valid() {
		return Payload{}, fmt.Errorf("%w: unknown action type %q", ErrInvalidPayload, p.ActionType)
	}
	p.CreatedAt = strings.TrimSpace(p.CreatedAt)
	if p.CreatedAt == "" {
		return Payload{}, fmt.Errorf("%w: created at is required", ErrInvalidPayload)
	}
	if _, err := ParseTimestamp(p.CreatedAt); err != nil {
		return Payload{}, fmt.Errorf("%w: created at: %v", ErrInvalidPayload, err)
	}
	details := bytes.TrimSpace(p.Details)
	if len(details) == 0 {
		details = []byte("{}")
	}
	if !json.Valid(details) || details[0] != '{' {
		return Payload{}, fmt.Errorf("%w: details must be a JSON object", ErrInvalidPayload)
	}
	// numbers and strings must survive canonicalization unchanged
	if _, err := decodeDetails(details, keepNumber); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	p.Details = json.RawMessage(details)
	for i, m := range p.Media {
		if strings.TrimSpace(m.URL) == "" {
			return Payload{}, fmt.Errorf("%w: media[%d] url is required", ErrInvalidPayload, i)
		}
		if !m.Kind.Valid() {
			return Payload{}, fmt.Errorf("%w: media[%d] kind %q", ErrInvalidPayload, i, m.Kind)
		}
	}
	if p.Media == nil {
		p.Media = []Media{}
	}
	if err := validStrings("", p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p, nil
}

// Seal builds the next entry of a chain from its current state. It is pure:
// the caller owns state and decides whether to keep the advanced value.
func Seal(h *Hasher, p Payload, state ChainState) (Entry, ChainState, error) {
	if h == nil {
		h = DefaultHasher()
	}
	p, err := NormalizePayload(p)
	if err != nil {
		return Entry{}, state, err
	}
	if state.IncidentID != "" && state.IncidentID != p.IncidentID {
		return Entry{}, state, fmt.Errorf("%w: entry belongs to incident %q, chain is %q", ErrInvalidPayload, p.IncidentID, state.IncidentID)
	}
	if !state.Empty() && !sortsAfter(p.CreatedAt, p.ID, state.TipCreatedAt, state.TipID) {
		return Entry{}, state, fmt.Errorf("%w: entry %s at %s does not sort after tip %s at %s", ErrInvalidPayload, p.ID, p.CreatedAt, state.TipID, state.TipCreatedAt)
	}
	hash, err := h.Digest(state.TipHash, p)
	if err != nil {
		return Entry{}, state, err
	}
	entry := Entry{Payload: p, PrevHash: state.TipHash, Hash: hash}
	return entry, state.advance(entry), nil
}

func sortsAfter(createdAt, id, tipCreatedAt, tipID string) bool {
	if createdAt != tipCreatedAt {
		return createdAt > tipCreatedAt
	}
	return id > tipID
}

func entryLess(a, b Entry) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// SortEntries returns a copy ordered by CreatedAt (lexical), then ID.
func SortEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	for i := range entries {
		out[i] = entries[i].clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return entryLess(out[i], out[j]) })
	return out
}

type chain struct {
	mu      sync.RWMutex
	state   ChainState
	entries []Entry
}

// ChainedLog keeps one append-only chain per incident. Appends to the same
// incident are serialized; different incidents do not contend.
type ChainedLog struct {
	hasher *Hasher

	mu     sync.Mutex
	chains map[string]*chain
	ids    map[string]string
}

func NewChainedLog(h *Hasher) *ChainedLog {
	if h == nil {
		h = DefaultHasher()
	}
	return &ChainedLog{
		hasher: h,
		chains: map[string]*chain{},
		ids:    map[string]string{},
	}
}

func (l *ChainedLog) Hasher() *Hasher { return l.hasher }

func (l *ChainedLog) chainFor(incidentID string) *chain {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chains[incidentID]
	if !ok {
		c = &chain{state: ChainState{IncidentID: incidentID}}
		l.chains[incidentID] = c
	}
	return c
}

func (l *ChainedLog) reserveID(id, incidentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.ids[id]; ok {
		return fmt.Errorf("%w: id %s already used in incident %s", ErrInvalidPayload, id, owner)
	}
	l.ids[id] = incidentID
	return nil
}

func (l *ChainedLog) releaseID(id string) {
	l.mu.Lock()
	delete(l.ids, id)
	l.mu.Unlock()
}

// Append seals p onto the tip of its incident's chain. On error the chain is
// left exactly as it was.
func (l *ChainedLog) Append(p Payload) (Entry, error) {
	norm, err := NormalizePayload(p)
	if err != nil {
		return Entry{}, err
	}
	c := l.chainFor(norm.IncidentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := l.reserveID(norm.ID, norm.IncidentID); err != nil {
		return Entry{}, err
	}
	entry, next, err := Seal(l.hasher, norm, c.state)
	if err != nil {
		l.releaseID(norm.ID)
		return Entry{}, err
	}
	c.entries = append(c.entries, entry)
	c.state = next
	return entry.clone(), nil
}

// EntriesFor returns the incident's entries ordered by CreatedAt, then ID.
func (l *ChainedLog) EntriesFor(incidentID string) []Entry {
	l.mu.Lock()
	c, ok := l.chains[strings.TrimSpace(incidentID)]
	l.mu.Unlock()
	if !ok {
		return []Entry{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return SortEntries(c.entries)
}

func (l *ChainedLog) Tip(incidentID string) ChainState {
	incidentID = strings.TrimSpace(incidentID)
	l.mu.Lock()
	c, ok := l.chains[incidentID]
	l.mu.Unlock()
	if !ok {
		return ChainState{IncidentID: incidentID}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (l *ChainedLog) Incidents() []string {
	l.mu.Lock()
	snapshot := make(map[string]*chain, len(l.chains))
	for id, c := range l.chains {
		snapshot[id] = c
	}
	l.mu.Unlock()
	out := make([]string, 0, len(snapshot))
	for id, c := range snapshot {
		c.mu.RLock()
		n := len(c.entries)
		c.mu.RUnlock()
		if n > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Load seeds the log with persisted entries. Each incident's entries must
// verify and its chain must still be empty in this log.
func (l *ChainedLog) Load(entries []Entry) error {
	groups := map[string][]Entry{}
	var order []string
	for _, e := range entries {
		id := e.IncidentID
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], e)
	}
	verifier := NewVerifier(l.hasher)
	for _, incidentID := range order {
		group := groups[incidentID]
		if strings.TrimSpace(incidentID) == "" {
			return fmt.Errorf("%w: entry without incident id", ErrInvalidPayload)
		}
		if res := verifier.Verify(group); !res.Valid {
			return fmt.Errorf("%w: incident %s: %s at %s", ErrChainCorrupted, incidentID, res.Error, res.CorruptedEntryID)
		}
		if err := l.loadChain(incidentID, SortEntries(group)); err != nil {
			return err
		}
	}
	return nil
}

// Restore seeds one incident with entries the caller has already verified,
// typically the stored chain an append is about to extend.
func (l *ChainedLog) Restore(incidentID string, entries []Entry) error {
	incidentID = strings.TrimSpace(incidentID)
	if incidentID == "" {
		return fmt.Errorf("%w: incident id is required", ErrInvalidPayload)
	}
	for _, e := range entries {
		if e.IncidentID != incidentID {
			return fmt.Errorf("%w: entry %s belongs to incident %q, not %q", ErrInvalidPayload, e.ID, e.IncidentID, incidentID)
		}
	}
	return l.loadChain(incidentID, SortEntries(entries))
}

func (l *ChainedLog) loadChain(incidentID string, sorted []Entry) error {
	c := l.chainFor(incidentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 0 {
		return fmt.Errorf("incident %s already has %d entries", incidentID, len(c.entries))
	}
	var reserved []string
	for _, e := range sorted {
		if err := l.reserveID(e.ID, incidentID); err != nil {
			for _, id := range reserved {
				l.releaseID(id)
			}
			return err
		}
		reserved = append(reserved, e.ID)
	}
	c.entries = sorted
	c.state = StateOf(incidentID, sorted)
	return nil
}
