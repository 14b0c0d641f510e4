package stage

import "testing"

func TestParseAttributesDirectJSON(t *testing.T) {
	raw := []byte(`{"category":"car","colors":["red","white"],"size":"medium","orientation":"side","details":["sedan"]}`)
	attrs, rawFallback := ParseAttributes(raw)
	if rawFallback {
		t.Fatal("expected structured parse, not raw fallback")
	}
	if attrs.Category != "car" || attrs.Size != "medium" {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
}

func TestParseAttributesOpenAIEnvelope(t *testing.T) {
	raw := []byte(`{"choices":[{"message":{"content":"{\"category\":\"house\",\"colors\":[\"brown\"],\"size\":\"large\",\"orientation\":\"front\",\"details\":[\"roof\"]}"}}]}`)
	attrs, rawFallback := ParseAttributes(raw)
	if rawFallback {
		t.Fatal("expected structured parse from openai content")
	}
	if attrs.Category != "house" {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
}

func TestParseAttributesFencedCodeBlock(t *testing.T) {
	raw := []byte("```json\n{\"category\":\"tree\",\"colors\":[\"green\"],\"size\":\"small\",\"orientation\":\"front\",\"details\":[]}\n```")
	attrs, rawFallback := ParseAttributes(raw)
	if rawFallback {
		t.Fatal("expected structured parse from fenced block")
	}
	if attrs.Category != "tree" {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
}

func TestParseAttributesFreeTextFallback(t *testing.T) {
	raw := []byte("this looks like a blue abstract car, not sure what it is exactly but it has wheels")
	attrs, rawFallback := ParseAttributes(raw)
	if !rawFallback {
		t.Fatal("expected raw-text fallback")
	}
	if attrs.Category != "object" || len(attrs.Details) != 1 {
		t.Fatalf("unexpected attrs: %+v", attrs)
	}
}

func TestLooksSubstantive(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"too short", false},
		{`{"category":"car","colors":["red"],"size":"medium"}`, false},
		{"a tall wooden house with a red roof and small round windows near the door", true},
		{"this is maybe an abstract shape, not sure what it represents at all honestly", false},
	}
	for _, c := range cases {
		if got := LooksSubstantive(c.text); got != c.want {
			t.Errorf("LooksSubstantive(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}

func TestFallbackAttributesMatchCanonicalValues(t *testing.T) {
	a := FallbackAttributes()
	if a.Category != "object" || a.Size != "medium" || a.Orientation != "front" {
		t.Fatalf("unexpected fallback attrs: %+v", a)
	}
	if len(a.Colors) != 1 || a.Colors[0] != "gray" {
		t.Fatalf("unexpected fallback colors: %v", a.Colors)
	}
	if len(a.Details) != 1 || a.Details[0] != "placeholder" {
		t.Fatalf("unexpected fallback details: %v", a.Details)
	}
}
