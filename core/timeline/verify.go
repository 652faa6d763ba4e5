package timeline

type ResultKind string

const (
	ResultValid        ResultKind = "valid"
	ResultBrokenLink   ResultKind = "broken_link"
	ResultHashMismatch ResultKind = "hash_mismatch"
)

// Result is the verdict of a chain replay. Corruption is reported as data so
// a damaged chain can still be inspected.
type Result struct {
	Valid            bool   `json:"valid"`
	CorruptedEntryID string `json:"corruptedEntryId,omitempty"`
	Error            string `json:"error,omitempty"`
}

func (r Result) Kind() ResultKind {
	switch {
	case r.Valid:
		return ResultValid
	case r.Error == ErrorChainBroken:
		return ResultBrokenLink
	default:
		return ResultHashMismatch
	}
}

// Verifier recomputes a chain without trusting the stored hash fields. It
// keeps no state between calls.
type Verifier struct {
	hasher *Hasher
}

func NewVerifier(h *Hasher) *Verifier {
	if h == nil {
		h = DefaultHasher()
	}
	return &Verifier{hasher: h}
}

// Verify sorts entries by CreatedAt (lexical, ties by ID) and reports the first
// broken link or hash mismatch. An empty input is valid.
func (v *Verifier) Verify(entries []Entry) Result {
	if len(entries) == 0 {
		return Result{Valid: true}
	}
	sorted := SortEntries(entries)
	prev := ""
	for i, entry := range sorted {
		if i > 0 {
			prev = sorted[i-1].Hash
		}
		if entry.PrevHash != prev {
			return Result{CorruptedEntryID: entry.ID, Error: ErrorChainBroken}
		}
		expected, err := v.hasher.Digest(entry.PrevHash, entry.Payload)
		if err != nil || expected != entry.Hash {
			return Result{CorruptedEntryID: entry.ID, Error: ErrorHashMismatch}
		}
	}
	return Result{Valid: true}
}

// Verify replays entries with the default hasher.
func Verify(entries []Entry) Result {
	return NewVerifier(nil).Verify(entries)
}
