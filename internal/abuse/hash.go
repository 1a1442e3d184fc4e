// Package abuse hashes client network identifiers and checks the ban list.
// Raw IPs never reach storage or logs; every check operates on the salted
// digest only.
package abuse

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// HashIP returns the salted hex SHA-256 digest of a client IP. The digest is
// deterministic for a given salt so bans keyed by it survive restarts, and
// it is not reversible without the salt.
func HashIP(salt, ip string) string {
	sum := sha256.Sum256([]byte(salt + "|" + canonicalIP(ip)))
	return hex.EncodeToString(sum[:])
}

// canonicalIP normalizes textual IP forms so "::ffff:1.2.3.4" and "1.2.3.4"
// hash identically. Unparseable input is hashed as-is.
func canonicalIP(ip string) string {
	trimmed := strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		trimmed = host
	}
	parsed := net.ParseIP(trimmed)
	if parsed == nil {
		return trimmed
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.String()
}
