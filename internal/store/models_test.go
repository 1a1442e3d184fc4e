package store

import (
	"testing"
	"time"
)

func TestIPBanActiveAt(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"permanent", nil, true},
		{"future expiry", &future, true},
		{"expired", &past, false},
		{"expires exactly now", &now, false},
	}
	for _, tc := range cases {
		ban := IPBan{IPHash: "h", ExpiresAt: tc.expiresAt}
		if got := ban.ActiveAt(now); got != tc.want {
			t.Errorf("%s: ActiveAt = %v, want %v", tc.name, got, tc.want)
		}
	}
}
