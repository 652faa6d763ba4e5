package timeline

import (
	"encoding/json"
	"fmt"
	"time"
)

type ActionType string

const (
	ActionCreated          ActionType = "Created"
	ActionStatusChanged    ActionType = "StatusChanged"
	ActionAssignUnits      ActionType = "AssignUnits"
	ActionNote             ActionType = "Note"
	ActionMediaAttached    ActionType = "MediaAttached"
	ActionControlRequested ActionType = "ControlRequested"
	ActionControlApproved  ActionType = "ControlApproved"
	ActionControlExecuted  ActionType = "ControlExecuted"
	ActionCameraBookmarked ActionType = "CameraBookmarked"
	ActionPTZCommand       ActionType = "PTZCommand"
)

var actionTypes = []ActionType{
	ActionCreated,
	ActionStatusChanged,
	ActionAssignUnits,
	ActionNote,
	ActionMediaAttached,
	ActionControlRequested,
	ActionControlApproved,
	ActionControlExecuted,
	ActionCameraBookmarked,
	ActionPTZCommand,
}

// ActionTypes returns every known action tag in declaration order.
func ActionTypes() []ActionType {
	out := make([]ActionType, len(actionTypes))
	copy(out, actionTypes)
	return out
}

func (a ActionType) Valid() bool {
	for _, known := range actionTypes {
		if a == known {
			return true
		}
	}
	return false
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaImage, MediaVideo, MediaAudio:
		return true
	}
	return false
}

type Media struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// Payload is the caller-owned content of a timeline entry: everything except
// the chaining fields.
type Payload struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incidentId"`
	ActorID    string          `json:"actorId"`
	ActionType ActionType      `json:"actionType"`
	Details    json.RawMessage `json:"detailsJSON"`
	Media      []Media         `json:"media"`
	CreatedAt  string          `json:"createdAt"`
}

// Entry is one sealed fact about an incident. Entries are handed out by value
// and never mutated by this package once sealed.
type Entry struct {
	Payload
	PrevHash string `json:"prevHash,omitempty"`
	Hash     string `json:"hash"`
}

func (p Payload) clone() Payload {
	out := p
	if p.Details != nil {
		out.Details = append(json.RawMessage(nil), p.Details...)
	}
	if p.Media != nil {
		out.Media = append([]Media(nil), p.Media...)
	}
	return out
}

func (e Entry) clone() Entry {
	out := e
	out.Payload = e.Payload.clone()
	return out
}

// ChainState is the tip of one incident's chain. The zero value (with an
// incident id) describes an empty chain.
type ChainState struct {
	IncidentID   string `json:"incidentId"`
	TipHash      string `json:"tipHash,omitempty"`
	TipID        string `json:"tipId,omitempty"`
	TipCreatedAt string `json:"tipCreatedAt,omitempty"`
	Length       int    `json:"length"`
}

func (s ChainState) Empty() bool {
	return s.Length == 0 && s.TipHash == ""
}

func (s ChainState) advance(e Entry) ChainState {
	return ChainState{
		IncidentID:   e.IncidentID,
		TipHash:      e.Hash,
		TipID:        e.ID,
		TipCreatedAt: e.CreatedAt,
		Length:       s.Length + 1,
	}
}

// StateOf rebuilds the chain state from stored entries of one incident. It
// does not verify them.
func StateOf(incidentID string, entries []Entry) ChainState {
	state := ChainState{IncidentID: incidentID}
	for _, e := range SortEntries(entries) {
		state = state.advance(e)
	}
	return state
}

// TimestampLayout is fixed width so that lexical order equals chronological
// order for timestamps produced by FormatTimestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts only the exact output of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	if FormatTimestamp(t) != s {
		return time.Time{}, fmt.Errorf("timestamp %q is not in %s form", s, TimestampLayout)
	}
	return t, nil
}
