// Package turnstile verifies CAPTCHA response tokens against the
// Cloudflare Turnstile siteverify endpoint.
package turnstile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Service is a pure I/O adapter over the siteverify endpoint.
type Service struct {
	secret    string
	verifyURL string
	client    *http.Client
}

func NewService(secret string) *Service {
	return &Service{
		secret:    secret,
		verifyURL: defaultVerifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewServiceWithEndpoint is used by tests to point at a local verifier.
func NewServiceWithEndpoint(secret, verifyURL string) *Service {
	s := NewService(secret)
	s.verifyURL = verifyURL
	return s
}

// IsConfigured reports whether a secret is set. When it is not, callers
// skip verification entirely (local development bypass).
func (s *Service) IsConfigured() bool {
	return strings.TrimSpace(s.secret) != ""
}

type verifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks a client-supplied response token. It returns nil only when
// the endpoint confirms the token; any transport failure counts as a failed
// verification rather than an open gate.
func (s *Service) Verify(ctx context.Context, token, remoteIP string) error {
	if !s.IsConfigured() {
		return nil
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("missing turnstile token")
	}

	form := url.Values{}
	form.Set("secret", s.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("call siteverify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("siteverify status %d", resp.StatusCode)
	}

	var parsed verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode siteverify response: %w", err)
	}
	if !parsed.Success {
		return fmt.Errorf("turnstile rejected token: %s", strings.Join(parsed.ErrorCodes, ","))
	}
	return nil
}
