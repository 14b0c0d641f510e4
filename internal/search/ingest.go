package search

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// vlmLogPayload mirrors the shape Understand.persistLog writes under
// <cache>/vlm_logs/*.json.
type vlmLogPayload struct {
	Attrs struct {
		Category    string   `json:"category"`
		Colors      []string `json:"colors"`
		Size        string   `json:"size"`
		Orientation string   `json:"orientation"`
		Details     []string `json:"details"`
	} `json:"attrs"`
	Prompt      string `json:"prompt"`
	RawFallback string `json:"raw_fallback"`
	Log         struct {
		ID          string `json:"id"`
		InputDigest string `json:"input_digest"`
	} `json:"log"`
}

// candidateText builds the searchable description for a StageLog: when
// Understand fell back to raw free text, that raw text is the candidate
// (it is the only substantive signal available); otherwise a synthetic
// description is composed from the structured attributes.
func (p vlmLogPayload) candidateText() string {
	if p.RawFallback != "" {
		return p.RawFallback
	}
	parts := []string{p.Attrs.Category}
	parts = append(parts, p.Attrs.Colors...)
	parts = append(parts, p.Attrs.Size, p.Attrs.Orientation)
	parts = append(parts, p.Attrs.Details...)
	return strings.TrimSpace(strings.Join(filterEmpty(parts), " "))
}

func filterEmpty(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IngestLogDir walks a vlm_logs directory and upserts every log into the
// index, oldest modification time first, so that within a single ingest
// pass the most recently written file for a given normalized text wins
// (Upsert always overwrites).
func IngestLogDir(idx *Index, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ii, errI := entries[i].Info()
		jj, errJ := entries[j].Info()
		if errI != nil || errJ != nil {
			return false
		}
		return ii.ModTime().Before(jj.ModTime())
	})

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_vlm.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var payload vlmLogPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		text := payload.candidateText()
		if text == "" {
			continue
		}
		if err := idx.Upsert(Candidate{
			StageLogID:  payload.Log.ID,
			Normalized:  normalize(text),
			Text:        text,
			RawFallback: payload.RawFallback != "",
		}); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
