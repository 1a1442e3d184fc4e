package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshMargin is how long before expiry a cached installation token is
// refreshed proactively.
const refreshMargin = 5 * time.Minute

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// appTokens mints GitHub App installation tokens and caches them in an
// atomic pointer. Reads are lock-free; a stale entry triggers a recompute
// without coordination — minting twice under a race is harmless because the
// token endpoint is idempotent to call.
type appTokens struct {
	baseURL        string
	appID          string
	installationID string
	key            *rsa.PrivateKey
	http           *http.Client
	cache          atomic.Pointer[cachedToken]
	now            func() time.Time
}

func newAppTokens(baseURL, appID, installationID, privateKeyPEM string, httpClient *http.Client) (*appTokens, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("github: parse app private key: %w", err)
	}
	return &appTokens{
		baseURL:        baseURL,
		appID:          appID,
		installationID: installationID,
		key:            key,
		http:           httpClient,
		now:            time.Now,
	}, nil
}

func (a *appTokens) Token(ctx context.Context) (string, error) {
	if cached := a.cache.Load(); cached != nil && a.now().Before(cached.expiresAt.Add(-refreshMargin)) {
		return cached.value, nil
	}

	minted, err := a.mintInstallationToken(ctx)
	if err != nil {
		// A still-valid (if aging) cached token beats failing the request.
		if cached := a.cache.Load(); cached != nil && a.now().Before(cached.expiresAt) {
			return cached.value, nil
		}
		return "", err
	}

	// Re-check after the mint: another goroutine may have stored a fresher
	// token meanwhile; either value is valid, so last write wins.
	a.cache.Store(minted)
	return minted.value, nil
}

func (a *appTokens) mintInstallationToken(ctx context.Context) (*cachedToken, error) {
	appJWT, err := a.signAppJWT()
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.baseURL, a.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mint installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(raw))}
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode installation token: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("installation token response missing token")
	}
	return &cachedToken{value: out.Token, expiresAt: out.ExpiresAt}, nil
}

// signAppJWT builds the short-lived RS256 app JWT GitHub requires for the
// installation-token endpoint. iat is backdated slightly to absorb clock
// skew against the remote.
func (a *appTokens) signAppJWT() (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": a.appID,
	})
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}
