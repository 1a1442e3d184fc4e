package abuse

import "testing"

func TestHashIPDeterministic(t *testing.T) {
	a := HashIP("salt", "203.0.113.7")
	b := HashIP("salt", "203.0.113.7")
	if a != b {
		t.Error("same salt+ip produced different digests")
	}
}

func TestHashIPSaltSeparates(t *testing.T) {
	if HashIP("salt-a", "203.0.113.7") == HashIP("salt-b", "203.0.113.7") {
		t.Error("different salts produced the same digest")
	}
}

func TestHashIPNeverEchoesIP(t *testing.T) {
	digest := HashIP("salt", "203.0.113.7")
	if digest == "203.0.113.7" || len(digest) != 64 {
		t.Errorf("unexpected digest %q", digest)
	}
}

func TestHashIPCanonicalForms(t *testing.T) {
	cases := []struct{ a, b string }{
		{"203.0.113.7", " 203.0.113.7 "},
		{"203.0.113.7", "203.0.113.7:51234"},
		{"203.0.113.7", "::ffff:203.0.113.7"},
		{"2001:db8::1", "[2001:db8::1]:443"},
	}
	for _, tc := range cases {
		if HashIP("s", tc.a) != HashIP("s", tc.b) {
			t.Errorf("expected %q and %q to hash identically", tc.a, tc.b)
		}
	}
}
