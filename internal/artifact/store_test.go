package artifact

import "testing"

func TestPutMetaThenCacheHit(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	key := KeyOf([]byte("tile-bytes"))

	if _, ok := s.CacheHit(key); ok {
		t.Fatal("expected no cache hit before anything written")
	}

	if _, err := s.PutFile(string(key)+"_light.glb", []byte("glTFxxxx")); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	m := &Meta{Hash: string(key), Quality: "light", Output: string(key) + "_light.glb", OutputType: "glb"}
	if err := s.PutMeta(key, m); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}

	got, ok := s.CacheHit(key)
	if !ok {
		t.Fatal("expected cache hit after meta+asset written")
	}
	if got.Output != m.Output {
		t.Fatalf("got %q want %q", got.Output, m.Output)
	}
}

func TestCacheHitFalseOnErrorMeta(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	key := KeyOf([]byte("other-bytes"))

	if err := s.PutMeta(key, &Meta{Hash: string(key), Error: "boom"}); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}

	if _, ok := s.CacheHit(key); ok {
		t.Fatal("an error meta must never satisfy a cache hit")
	}
}
