package stage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/geoplace/orchestrator/internal/config"
)

// Attributes is the structured record produced by the Understand stage.
type Attributes struct {
	Category    string   `json:"category"`
	Colors      []string `json:"colors"`
	Size        string   `json:"size"`
	Orientation string   `json:"orientation"`
	Details     []string `json:"details"`
}

// FallbackAttributes returns the canonical Understand fallback used once
// retries are exhausted or no endpoint is configured.
func FallbackAttributes() Attributes {
	return Attributes{
		Category:    "object",
		Colors:      []string{"gray"},
		Size:        "medium",
		Orientation: "front",
		Details:     []string{"placeholder"},
	}
}

// noiseTokens are phrases that mark a raw-text detail as not substantive
// enough to use verbatim as a Synthesize prompt.
var noiseTokens = []string{"abstract", "unknown", "maybe", "not sure", "idk", "unsure"}

// LooksSubstantive reports whether a candidate raw-text detail is long
// enough, not JSON-shaped, and free of noise tokens.
func LooksSubstantive(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < 40 {
		return false
	}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		return false
	}
	low := strings.ToLower(s)
	for _, bad := range noiseTokens {
		if strings.Contains(low, bad) {
			return false
		}
	}
	return true
}

// Understand wraps the image-understanding external service.
type Understand struct {
	URL     string
	Token   string
	Mode    config.UnderstandMode
	Timeout time.Duration
	Retries int

	LogDir string
	Client *http.Client
	Logger *slog.Logger
}

// NewUnderstand constructs an Understand adapter from configuration.
func NewUnderstand(cfg config.Config, logger *slog.Logger) *Understand {
	if logger == nil {
		logger = slog.Default()
	}
	return &Understand{
		URL:     cfg.UnderstandURL,
		Token:   cfg.UnderstandToken,
		Mode:    cfg.UnderstandMode,
		Timeout: cfg.UnderstandTimeout,
		Retries: cfg.UnderstandRetries,
		LogDir:  filepath.Join(cfg.CacheDir, "vlm_logs"),
		Client:  &http.Client{},
		Logger:  logger.With("component", "understand"),
	}
}

// Run extracts Attributes from a tile's PNG bytes, tolerantly parsing the
// external service's response and falling back to the canonical placeholder
// Attributes once retries are exhausted. It never returns an error for a
// well-formed request: exhaustion degrades to a fallback result instead.
func (u *Understand) Run(ctx context.Context, inputDigest string, tilePNG []byte) (Attributes, StageLog, error) {
	logEntry := newStageLog("understand", inputDigest)

	if u.URL == "" {
		attrs := FallbackAttributes()
		logEntry.FinishedAt = time.Now()
		logEntry.Attempts = 0
		u.persistLog(logEntry, attrs, "")
		return attrs, logEntry, nil
	}

	raw, err := runWithRetry(ctx, u.Timeout, u.Retries, func(callCtx context.Context, round int) ([]byte, error) {
		return u.call(callCtx, tilePNG)
	})

	logEntry.FinishedAt = time.Now()
	if err != nil {
		logEntry.Err = err.Error()
		attrs := FallbackAttributes()
		u.persistLog(logEntry, attrs, "")
		return attrs, logEntry, nil
	}

	attrs, rawFallback := ParseAttributes(raw)
	logEntry.RawFallback = rawFallback
	logEntry.Raw = string(raw)
	u.persistLog(logEntry, attrs, rawTextOf(attrs, rawFallback))

	return attrs, logEntry, nil
}

func rawTextOf(attrs Attributes, rawFallback bool) string {
	if rawFallback && len(attrs.Details) > 0 {
		return attrs.Details[0]
	}
	return ""
}

func (u *Understand) call(ctx context.Context, tilePNG []byte) ([]byte, error) {
	switch u.Mode {
	case config.ModeMultipart:
		return u.callMultipart(ctx, tilePNG)
	case config.ModeOpenAIChat:
		return u.callOpenAIChat(ctx, tilePNG)
	default:
		return u.callImageB64(ctx, tilePNG)
	}
}

func (u *Understand) callImageB64(ctx context.Context, tilePNG []byte) ([]byte, error) {
	payload := map[string]any{
		"image_b64": base64.StdEncoding.EncodeToString(tilePNG),
		"messages": []map[string]string{
			{"role": "user", "content": "Describe this voxel tile: category, colors, size, orientation."},
		},
	}
	return u.postJSON(ctx, payload)
}

func (u *Understand) callOpenAIChat(ctx context.Context, tilePNG []byte) ([]byte, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(tilePNG)
	payload := map[string]any{
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": "Describe this voxel tile: category, colors, size, orientation."},
					{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
				},
			},
		},
	}
	return u.postJSON(ctx, payload)
}

func (u *Understand) postJSON(ctx context.Context, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}
	return u.do(req)
}

func (u *Understand) callMultipart(ctx context.Context, tilePNG []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "tile.png")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(tilePNG); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}
	return u.do(req)
}

func (u *Understand) do(req *http.Request) ([]byte, error) {
	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("transient status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)
var fencedCodeRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParseAttributes tolerantly parses an Understand response body, trying in
// order: a direct JSON object, an OpenAI-style choices[].message.content
// envelope, JSON inside a fenced code block, and finally free text (returned
// as a raw-fallback Attributes value with the text preserved in Details[0]).
func ParseAttributes(raw []byte) (Attributes, bool) {
	var direct Attributes
	if err := json.Unmarshal(raw, &direct); err == nil && direct.Category != "" {
		return direct, false
	}

	var openAI struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &openAI); err == nil && len(openAI.Choices) > 0 {
		content := openAI.Choices[0].Message.Content
		if attrs, ok := tryParseJSONContent(content); ok {
			return attrs, false
		}
		return rawTextAttributes(content), true
	}

	if m := fencedCodeRe.FindSubmatch(raw); m != nil {
		if attrs, ok := tryParseJSONContent(string(m[1])); ok {
			return attrs, false
		}
	}

	if m := jsonObjectRe.Find(raw); m != nil {
		var attrs Attributes
		if err := json.Unmarshal(m, &attrs); err == nil && attrs.Category != "" {
			return attrs, false
		}
	}

	return rawTextAttributes(string(raw)), true
}

func tryParseJSONContent(s string) (Attributes, bool) {
	var attrs Attributes
	if err := json.Unmarshal([]byte(s), &attrs); err == nil && attrs.Category != "" {
		return attrs, true
	}
	if m := jsonObjectRe.FindString(s); m != "" {
		if err := json.Unmarshal([]byte(m), &attrs); err == nil && attrs.Category != "" {
			return attrs, true
		}
	}
	return Attributes{}, false
}

func rawTextAttributes(text string) Attributes {
	return Attributes{
		Category: "object",
		Details:  []string{strings.TrimSpace(text)},
	}
}

// ToPrompt builds the voxel-style Synthesize prompt template from Attributes.
// When Category is empty it returns the minimal low-poly fallback prompt
// instead.
func ToPrompt(a Attributes) string {
	if a.Category == "" {
		return "low-poly voxel object, game-friendly, 3D render"
	}
	colors := strings.Join(a.Colors, ", ")
	details := strings.Join(a.Details, ", ")
	return fmt.Sprintf("voxel-style %s, %s size, primary colors: %s, features: %s, low-poly, game-friendly, 3D render, %s view, clean background, high quality, detailed",
		a.Category, a.Size, colors, details, a.Orientation)
}

func (u *Understand) persistLog(entry StageLog, attrs Attributes, rawFallbackText string) {
	if u.LogDir == "" {
		return
	}
	if err := os.MkdirAll(u.LogDir, 0o755); err != nil {
		u.Logger.Warn("failed to create vlm log dir", "err", err)
		return
	}

	payload := map[string]any{
		"attrs":        attrs,
		"prompt":       ToPrompt(attrs),
		"raw_fallback": nil,
		"log":          entry,
	}
	if rawFallbackText != "" {
		payload["raw_fallback"] = rawFallbackText
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		u.Logger.Warn("failed to encode vlm log", "err", err)
		return
	}

	name := fmt.Sprintf("%s_vlm.json", shortHash(entry.InputDigest))
	path := filepath.Join(u.LogDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		u.Logger.Warn("failed to write vlm log", "err", err)
	}
}

func shortHash(s string) string {
	if len(s) >= 16 {
		return s[:16]
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
