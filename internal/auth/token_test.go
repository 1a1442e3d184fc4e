package auth

import "testing"

func TestNewTokenUnique(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	b, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if a == b {
		t.Error("two minted tokens are identical")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("hash is not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("distinct tokens share a hash")
	}
	if HashToken("abc") == "abc" {
		t.Error("hash must not echo the raw token")
	}
}

func TestEqualOwnerToken(t *testing.T) {
	if !EqualOwnerToken("secret", "secret") {
		t.Error("matching owner token rejected")
	}
	if EqualOwnerToken("secret", "other") {
		t.Error("mismatched owner token accepted")
	}
	if EqualOwnerToken("", "") {
		t.Error("empty configured secret must never match")
	}
}
