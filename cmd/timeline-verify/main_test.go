package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ysod-timeline/core/timeline"
)

func exportChain(t *testing.T) []timeline.Entry {
	t.Helper()
	log := timeline.NewChainedLog(nil)
	for i, at := range []string{"2024-05-01T08:00:00.000Z", "2024-05-01T08:05:00.000Z", "2024-05-01T08:09:00.000Z"} {
		if _, err := log.Append(timeline.Payload{ID: string(rune('a' + i)), IncidentID: "inc-1", ActorID: "u1", ActionType: timeline.ActionNote, CreatedAt: at}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return log.EntriesFor("inc-1")
}

func TestRunValidFromStdin(t *testing.T) {
	data, _ := json.Marshal(exportChain(t))
	var out, errOut bytes.Buffer
	if code := run(nil, bytes.NewReader(data), &out, &errOut); code != 0 {
		t.Fatalf("expected 0, got %d (%s)", code, errOut.String())
	}
	if !strings.HasPrefix(out.String(), "OK 3 entries") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunCorruptedFromFile(t *testing.T) {
	entries := exportChain(t)
	entries[1].Details = json.RawMessage(`{"text":"edited"}`)
	data, _ := json.Marshal(map[string]any{"entries": entries})
	path := filepath.Join(t.TempDir(), "timeline.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"--file", path, "--json"}, nil, &out, &errOut); code != 1 {
		t.Fatalf("expected 1, got %d (%s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"corruptedEntryId":"b"`) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"--digest", "md5"}, strings.NewReader("[]"), &out, &errOut); code != 2 {
		t.Fatalf("expected 2 for unknown digest, got %d", code)
	}
	if code := run(nil, strings.NewReader("{}"), &out, &errOut); code != 2 {
		t.Fatalf("expected 2 for bad input, got %d", code)
	}
}
