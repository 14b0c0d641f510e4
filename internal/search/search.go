package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Result is one scored, commented search hit returned to a caller.
type Result struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	Score   float64 `json:"score"`
	Comment string  `json:"comment"`
}

// Service runs keyword scoring, optional LM rerank, and comment synthesis
// over the candidate Index.
type Service struct {
	Index    *Index
	LMURL    string
	LMClient *http.Client
	Logger   *slog.Logger
}

// New constructs a Service.
func New(index *Index, lmURL string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Index:    index,
		LMURL:    lmURL,
		LMClient: &http.Client{Timeout: 10 * time.Second},
		Logger:   logger.With("component", "search"),
	}
}

// jpEnDict is the small bidirectional dictionary used to widen single-token,
// non-ASCII queries, per the enumerated examples.
var jpEnDict = map[string][]string{
	"車": {"car", "vehicle"}, "car": {"車"}, "vehicle": {"車"},
	"家": {"house", "home"}, "house": {"家"}, "home": {"家"},
	"木": {"tree"}, "tree": {"木"},
	"人": {"person"}, "person": {"人"},
	"川": {"river"}, "river": {"川"},
	"海": {"sea", "ocean"}, "sea": {"海"}, "ocean": {"海"},
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			cur.WriteRune(r)
			continue
		}
		// Treat any non-ASCII rune (CJK included) as its own single-rune token
		// rather than trying to word-segment it.
		if r > 127 {
			flush()
			tokens = append(tokens, string(r))
			continue
		}
		flush()
	}
	flush()
	return tokens
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

// expandQueryTokens widens a short, non-ASCII single-token query with its
// JP<->EN dictionary counterparts.
func expandQueryTokens(tokens []string) []string {
	if len(tokens) != 1 || isASCII(tokens[0]) {
		return tokens
	}
	expanded := append([]string{}, tokens...)
	if alts, ok := jpEnDict[tokens[0]]; ok {
		expanded = append(expanded, alts...)
	}
	return expanded
}

// scoreKeyword implements the keyword baseline: fraction of query tokens
// found in candidate tokens, a +0.25 substring boost (clamped to 1.0), a
// ×0.2 penalty for candidates shorter than 3 characters, and a 0.02 floor
// below which candidates are dropped.
func scoreKeyword(query string, candidates []Candidate) []Result {
	queryTokens := expandQueryTokens(tokenize(query))
	queryLower := strings.ToLower(query)

	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		candTokens := tokenize(c.Text)
		candSet := make(map[string]struct{}, len(candTokens))
		for _, t := range candTokens {
			candSet[t] = struct{}{}
		}

		hits := 0
		for _, qt := range queryTokens {
			if _, ok := candSet[qt]; ok {
				hits++
			}
		}
		score := 0.0
		if len(queryTokens) > 0 {
			score = float64(hits) / float64(len(queryTokens))
		}

		if strings.Contains(strings.ToLower(c.Text), queryLower) && queryLower != "" {
			score += 0.25
			if score > 1.0 {
				score = 1.0
			}
		}

		if len([]rune(c.Text)) < 3 {
			score *= 0.2
		}

		if score <= 0.02 {
			continue
		}

		out = append(out, Result{ID: c.StageLogID, Text: c.Text, Score: score})
	}
	return out
}

// lmCandidate is the shape the LM rerank endpoint is asked to return.
type lmCandidate struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
	Comment string  `json:"comment"`
}

func (s *Service) callLM(ctx context.Context, query string, candidates []Candidate) ([]lmCandidate, error) {
	type item struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	items := make([]item, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, item{ID: c.StageLogID, Text: c.Text})
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode lm items: %w", err)
	}

	payload := map[string]any{
		"messages": []map[string]string{
			{"role": "system", "content": "Score each candidate's relevance to the query from 0 to 1. Respond with JSON only: a list of objects with id, score, text, comment."},
			{"role": "user", "content": fmt.Sprintf("query: %s\ncandidates: %s", query, string(itemsJSON))},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode lm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.LMURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.LMClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lm request: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	raw := new(bytes.Buffer)
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		return nil, err
	}

	text := raw.String()
	if err := json.Unmarshal(raw.Bytes(), &envelope); err == nil && len(envelope.Choices) > 0 {
		text = envelope.Choices[0].Message.Content
	}

	arr, ok := extractBalancedArray(text)
	if !ok {
		return nil, fmt.Errorf("no JSON array found in lm response")
	}

	var parsed []lmCandidate
	if err := json.Unmarshal([]byte(arr), &parsed); err != nil {
		return nil, fmt.Errorf("decode lm array: %w", err)
	}
	return parsed, nil
}

// extractBalancedArray finds the first top-level JSON array in s, tolerating
// surrounding prose and fenced code blocks.
func extractBalancedArray(s string) (string, bool) {
	s = strings.ReplaceAll(s, "```json", "```")
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escape {
				escape = false
			} else if ch == '\\' {
				escape = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func mean(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range results {
		sum += r.Score
	}
	return sum / float64(len(results))
}

// reconcile applies the LM-vs-baseline fallback rule: if the LM mean score
// is more than 0.01 below the keyword baseline mean, baseline ordering wins,
// but any positive LM score is still applied to its matching id.
func reconcile(baseline []Result, lm []lmCandidate) []Result {
	lmResults := make([]Result, 0, len(lm))
	byID := make(map[string]lmCandidate, len(lm))
	for _, c := range lm {
		lmResults = append(lmResults, Result{ID: c.ID, Text: c.Text, Score: c.Score, Comment: c.Comment})
		byID[c.ID] = c
	}

	if mean(lmResults) < mean(baseline)-0.01 {
		out := make([]Result, len(baseline))
		copy(out, baseline)
		for i, r := range out {
			if c, ok := byID[r.ID]; ok && c.Score > 0 {
				out[i].Score = c.Score
				if c.Comment != "" {
					out[i].Comment = c.Comment
				}
			}
		}
		return out
	}
	return lmResults
}

// enToJpSimple maps common English nouns surfaced in candidate text to a
// single Japanese word, used when synthesizing a comment's subject.
var enToJpSimple = map[string]string{
	"car": "車", "vehicle": "車", "automobile": "車",
	"house": "家", "home": "家", "building": "建物",
	"tree": "木", "trees": "木々",
	"person": "人", "people": "人たち",
	"river": "川",
	"sea":   "海", "ocean": "海",
	"fruit": "果物", "apple": "りんご", "banana": "バナナ",
}

// techTokens are description-internal adjectives skipped when picking a
// comment's subject, so comments don't just echo jargon like "voxel-style".
var techTokens = []string{
	"voxel", "voxel-style", "style", "low-poly", "lowpoly", "game-friendly",
	"3d", "primary", "colors", "color", "render", "front", "view", "detail",
	"details", "large", "small", "size", "game", "friendly", "texture", "textures",
}

func containsTechToken(tok string) bool {
	for _, tt := range techTokens {
		if strings.Contains(tok, tt) {
			return true
		}
	}
	return false
}

var asciiWordPattern = regexp.MustCompile(`^[a-z\-]+$`)

// fallbackComments are used when a candidate has no usable text to derive a
// subject from; selection is deterministic by result index.
var fallbackComments = []string{
	"これ、なんだろうね〜でも可愛いよ〜",
	"うーん、ちょっと自信ないけど……見つけたよ〜",
	"わかったかも?これっぽいね、見てみて〜",
	"お兄ちゃん、これかな〜?かわいいね〜",
}

// suffixVariants are appended to a repeated subject to keep comments unique
// across a result list, rather than bolting a bare counter onto a template.
var suffixVariants = []string{"ね、かわいい〜", "だよ〜", "かな〜", "すごいね〜", "だね〜"}

// subjectFromText extracts a short, non-technical subject word from a
// candidate's own text, mapping it to Japanese when a simple mapping exists.
func subjectFromText(text string) string {
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, "\"'.,:;()")
		if tok == "" || !asciiWordPattern.MatchString(tok) || containsTechToken(tok) {
			continue
		}
		if jp, ok := enToJpSimple[tok]; ok {
			return jp
		}
		return tok
	}
	return "これ"
}

func truncateComment(comment string) string {
	if utf8.RuneCountInString(comment) <= 40 {
		return comment
	}
	r := []rune(comment)
	return string(r[:37]) + "..."
}

// commentFromText derives a comment's subject from the candidate's own text,
// per the original "younger sister" comment synthesis contract.
func commentFromText(text string, idx int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallbackComments[idx%len(fallbackComments)]
	}
	return truncateComment(fmt.Sprintf("これ、%sっぽいね、かわいい〜", subjectFromText(text)))
}

func firstWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "これ"
	}
	return fields[0]
}

func variantComment(base string, idx int) string {
	return truncateComment(fmt.Sprintf("これ、%s%s", base, suffixVariants[idx%len(suffixVariants)]))
}

func attachComments(results []Result) {
	used := make(map[string]bool, len(results))
	for i := range results {
		if results[i].Score <= 0 {
			results[i].Comment = ""
			continue
		}
		comment := strings.TrimSpace(results[i].Comment)
		if comment == "" {
			comment = commentFromText(results[i].Text, i)
		}
		if used[comment] {
			comment = variantComment(firstWord(results[i].Text), i)
		}
		used[comment] = true
		results[i].Comment = comment
	}
}

// Search runs the full scoring pipeline and returns at most topK results,
// highest score first.
func (s *Service) Search(ctx context.Context, query string, topK int, targetHint string) ([]Result, error) {
	candidates, err := s.Index.All()
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	results := scoreKeyword(query, candidates)

	if s.LMURL != "" {
		lm, err := s.callLM(ctx, query, candidates)
		if err != nil {
			s.Logger.Warn("lm rerank failed, using keyword baseline", "error", err)
		} else {
			results = reconcile(results, lm)
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	attachComments(results)

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
