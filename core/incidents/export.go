package incidents

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"ysod-timeline/core/timeline"
)

// Export renders the incident timeline as Markdown for compliance review:
// every entry with its link and hash, followed by the integrity verdict.
func (s *Service) Export(ctx context.Context, actorID, incidentID string) (out []byte, err error) {
	ctx, span := s.startSpan(ctx, "incidents.Export", incidentID)
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
	sorted := timeline.SortEntries(stored)
	limit := s.cfg.Timeline.ExportLimit
	truncated := limit > 0 && len(sorted) > limit
	if truncated {
		sorted = sorted[:limit]
	}
	out = renderMarkdown(incidentID, s.decorate(ctx, sorted), res, s.hasher, truncated, timeline.FormatTimestamp(s.now()))
	Log(s.audits, ctx, actor.ID, AuditExport, IncidentResource(incidentID), string(res.Kind()), fmt.Sprintf("entries=%d", len(sorted)))
	return out, nil
}

func renderMarkdown(incidentID string, entries []EntryView, res timeline.Result, h *timeline.Hasher, truncated bool, generatedAt string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Incident %s timeline\n\n", mdEscape(incidentID))
	fmt.Fprintf(&b, "- Generated: %s\n", generatedAt)
	fmt.Fprintf(&b, "- Digest: %s over %s\n", h.Algorithm(), h.Encoding())
	fmt.Fprintf(&b, "- Entries: %d\n", len(entries))
	if res.Valid {
		b.WriteString("- Integrity: VALID\n")
	} else {
		fmt.Fprintf(&b, "- Integrity: CORRUPTED (%s at entry `%s`)\n", res.Error, mdEscape(res.CorruptedEntryID))
	}
	if truncated {
		b.WriteString("- Note: export truncated, integrity covers the full chain\n")
	}
	b.WriteString("\n| # | Time | Actor | Action | Summary | Prev hash | Hash |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for i, e := range entries {
		prev := e.PrevHash
		if prev == "" {
			prev = "-"
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | `%s` | `%s` |\n",
			i+1, mdEscape(e.CreatedAt), mdEscape(e.ActorName), mdEscape(string(e.ActionType)), mdEscape(e.Summary), mdEscape(prev), mdEscape(e.Hash))
		for _, m := range e.Media {
			fmt.Fprintf(&b, "|  |  |  |  | %s: %s |  |  |\n", mdEscape(string(m.Kind)), mdEscape(m.URL))
		}
	}
	return b.Bytes()
}

var mdReplacer = strings.NewReplacer("|", "\\|", "\n", " ", "\r", " ")

func mdEscape(s string) string {
	return mdReplacer.Replace(s)
}
