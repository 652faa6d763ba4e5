package timeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// DecodeEntries reads exported entries from either a bare JSON array or an
// object with an "entries" array.
func DecodeEntries(data []byte) ([]Entry, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("entries: invalid json")
	}
	doc := gjson.ParseBytes(data)
	raw := doc.Raw
	switch {
	case doc.IsArray():
	case doc.IsObject() && doc.Get("entries").IsArray():
		raw = doc.Get("entries").Raw
	default:
		return nil, errors.New("entries: expected an array or an object with an entries array")
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}
	return entries, nil
}
