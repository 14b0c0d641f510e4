package stage

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodeSolid(r, g, b uint8) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: b, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func TestSanityCheckRejectsSingleColor(t *testing.T) {
	data := encodeSolid(10, 20, 30)
	if err := SanityCheck(data); err == nil {
		t.Fatal("expected sanity check to reject single-color image")
	}
}

func TestSanityCheckAcceptsDiverseImage(t *testing.T) {
	data, err := diagnosticImage(42, 64, 64)
	if err != nil {
		t.Fatalf("diagnosticImage: %v", err)
	}
	if err := SanityCheck(data); err != nil {
		t.Fatalf("expected diagnostic image to pass sanity check: %v", err)
	}
}

func TestComposePromptPrefersSubstantiveRawText(t *testing.T) {
	attrs := Attributes{Category: "car", Size: "medium", Orientation: "side", Colors: []string{"red"}}
	raw := "a tall wooden house with a red roof and small round windows near the door"
	got := ComposePrompt(attrs, raw)
	if got != raw {
		t.Fatalf("expected raw text passthrough, got %q", got)
	}
}

func TestComposePromptFallsBackToTemplate(t *testing.T) {
	attrs := Attributes{Category: "car", Size: "medium", Orientation: "side", Colors: []string{"red"}, Details: []string{"sedan"}}
	got := ComposePrompt(attrs, "too short")
	if got == "too short" {
		t.Fatal("expected template prompt, not raw passthrough, for non-substantive text")
	}
}

type fakeGenerator struct {
	attempt int
	solidOn int
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, seed int64, _ int) ([]byte, error) {
	f.attempt++
	if f.attempt <= f.solidOn {
		return encodeSolid(5, 5, 5), nil
	}
	return diagnosticImage(seed, 64, 64)
}

func TestSynthesizeRetriesThroughSanityFailures(t *testing.T) {
	s := &Synthesize{
		Timeout:   2_000_000_000,
		Retries:   3,
		Generator: &fakeGenerator{solidOn: 2},
	}

	png, _, err := s.Run(context.Background(), "deadbeef", "a prompt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sanityErr := SanityCheck(png); sanityErr != nil {
		t.Fatalf("expected final attempt to pass sanity check: %v", sanityErr)
	}
}
