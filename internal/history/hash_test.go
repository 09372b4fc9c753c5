package history

import (
	"encoding/json"
	"testing"
)

func TestHashInputKeyOrderInvariant(t *testing.T) {
	a := json.RawMessage(`{"user":"sam","amount":42}`)
	b := json.RawMessage(`{"amount": 42, "user": "sam"}`)

	ha, err := HashInput(a)
	if err != nil {
		t.Fatalf("HashInput failed: %v", err)
	}
	hb, err := HashInput(b)
	if err != nil {
		t.Fatalf("HashInput failed: %v", err)
	}
	if ha != hb {
		t.Fatalf("equivalent inputs hashed differently: %d != %d", ha, hb)
	}

	hc, err := HashInput(json.RawMessage(`{"amount":43,"user":"sam"}`))
	if err != nil {
		t.Fatalf("HashInput failed: %v", err)
	}
	if hc == ha {
		t.Fatal("different inputs hashed identically")
	}
}

func TestHashInputEmptyIsNull(t *testing.T) {
	hEmpty, err := HashInput(nil)
	if err != nil {
		t.Fatalf("HashInput(nil) failed: %v", err)
	}
	hNull, err := HashInput(json.RawMessage(`null`))
	if err != nil {
		t.Fatalf("HashInput(null) failed: %v", err)
	}
	if hEmpty != hNull {
		t.Fatal("empty input should hash as null")
	}
}

func TestCanonicalizeRejectsInvalidJSON(t *testing.T) {
	if _, err := Canonicalize(json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
