package canon

import (
	"encoding/json"
	"testing"
)

func TestEncodeSortsKeysAtEveryLevel(t *testing.T) {
	a := map[string]any{"b": 1, "a": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"a": map[string]any{"y": 2, "z": 1}, "b": 1}

	ea, err := EncodeString(a)
	if err != nil {
		t.Fatal(err)
	}
	eb, err := EncodeString(b)
	if err != nil {
		t.Fatal(err)
	}
	if ea != eb {
		t.Fatalf("expected equal canonical output, got %q vs %q", ea, eb)
	}
}

func TestEncodeIsIdempotent(t *testing.T) {
	v := map[string]any{"x": []any{3, 1, 2}, "y": "hi"}
	once, err := Encode(v)
	if err != nil {
		t.Fatal(err)
	}

	var reDecoded any
	if err := json.Unmarshal(once, &reDecoded); err != nil {
		t.Fatal(err)
	}
	twice, err := Encode(reDecoded)
	if err != nil {
		t.Fatal(err)
	}
	if string(once) != string(twice) {
		t.Fatalf("canon(canon(x)) != canon(x): %q vs %q", once, twice)
	}
}

func TestIgnoredFieldsDoNotAffectHash(t *testing.T) {
	base := map[string]any{"tool": "web_search", "q": "cats"}
	withIgnored := map[string]any{"tool": "web_search", "q": "cats", "timestamp": "2026-01-01", "nonce": "xyz"}

	h1, err := Hash(base, DefaultIgnoreArgs...)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(withIgnored, DefaultIgnoreArgs...)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("expected ignored fields to not affect hash, got %s vs %s", h1, h2)
	}
}

func TestArrayOrderPreserved(t *testing.T) {
	a, _ := EncodeString(map[string]any{"xs": []any{1, 2, 3}})
	b, _ := EncodeString(map[string]any{"xs": []any{3, 2, 1}})
	if a == b {
		t.Fatal("array order should not be normalized")
	}
}

func TestChainHashDependsOnPrev(t *testing.T) {
	canonical := []byte(`{"a":1}`)
	h1 := ChainHash("", canonical)
	h2 := ChainHash("seed", canonical)
	if h1 == h2 {
		t.Fatal("expected different prevHash to produce different chain hash")
	}
}
