package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewIndex(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUpsertDedupesByNormalizedKeepingLatest(t *testing.T) {
	idx := newTestIndex(t)

	require.NoError(t, idx.Upsert(Candidate{StageLogID: "a", Normalized: "red car", Text: "a red car"}))
	require.NoError(t, idx.Upsert(Candidate{StageLogID: "b", Normalized: "red car", Text: "a shiny red car"}))

	all, err := idx.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "b", all[0].StageLogID, "latest upsert must win")
}

func TestScoreKeywordFindsSubstringMatch(t *testing.T) {
	candidates := []Candidate{
		{StageLogID: "1", Text: "a red wooden house with a blue roof"},
		{StageLogID: "2", Text: "a tall green tree"},
	}
	results := scoreKeyword("house", candidates)
	require.Len(t, results, 1)
	require.Equal(t, "1", results[0].ID)
}

func TestScoreKeywordExpandsJPQuery(t *testing.T) {
	candidates := []Candidate{
		{StageLogID: "1", Text: "a small red car"},
	}
	results := scoreKeyword("車", candidates)
	require.Len(t, results, 1, "JP query must match via dictionary expansion")
}

func TestScoreKeywordDropsBelowFloor(t *testing.T) {
	candidates := []Candidate{
		{StageLogID: "1", Text: "an unrelated green tree"},
	}
	results := scoreKeyword("submarine", candidates)
	require.Empty(t, results, "no match should clear the 0.02 floor")
}

func TestAttachCommentsAreUniqueAndEmptyForZeroScore(t *testing.T) {
	results := []Result{
		{ID: "1", Score: 0.9},
		{ID: "2", Score: 0.5},
		{ID: "3", Score: 0},
	}
	attachComments(results)

	require.Empty(t, results[2].Comment, "zero-score result must have no comment")
	require.NotEmpty(t, results[0].Comment)
	require.NotEmpty(t, results[1].Comment)
	require.NotEqual(t, results[0].Comment, results[1].Comment, "comments must be unique across results")
}

func TestSearchReturnsTopKOrderedByScore(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Upsert(Candidate{StageLogID: "1", Normalized: "a red car", Text: "a red car"}))
	require.NoError(t, idx.Upsert(Candidate{StageLogID: "2", Normalized: "a red house", Text: "a red house"}))
	require.NoError(t, idx.Upsert(Candidate{StageLogID: "3", Normalized: "a green tree", Text: "a green tree"}))

	svc := New(idx, "", nil)
	results, err := svc.Search(context.Background(), "red", 1, "")
	require.NoError(t, err)
	require.Len(t, results, 1, "topK=1 must truncate results")
	require.GreaterOrEqual(t, results[0].Score, 0.02)
}
