package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		BaseURL: server.URL,
		Owner:   "acme",
		Repo:    "handbook",
		Token:   "test-token",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func TestBranchHead(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/handbook/git/ref/heads/main" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer token")
		}
		w.Write([]byte(`{"object":{"sha":"abc123"}}`))
	}))

	sha, err := client.BranchHead(context.Background(), "main")
	if err != nil {
		t.Fatalf("BranchHead: %v", err)
	}
	if sha != "abc123" {
		t.Errorf("sha = %q", sha)
	}
}

func TestEnsureBranchToleratesExisting(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Reference already exists"}`))
	}))

	if err := client.EnsureBranch(context.Background(), "handbook/sub-1", "abc"); err != nil {
		t.Errorf("existing ref must be treated as success, got %v", err)
	}
}

func TestEnsureBranchRealFailure(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Object does not exist"}`))
	}))

	if err := client.EnsureBranch(context.Background(), "b", "abc"); err == nil {
		t.Error("expected error for non-conflict 422")
	}
}

func TestGetFileAbsent(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	}))

	info, err := client.GetFile(context.Background(), "docs/content/en/x.md", "main")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil for absent file, got %+v", info)
	}
}

func TestRawFile(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/vnd.github.raw+json" {
			t.Errorf("missing raw accept header, got %q", r.Header.Get("Accept"))
		}
		w.Write([]byte("# old content"))
	}))

	content, exists, err := client.RawFile(context.Background(), "docs/content/en/x.md", "main")
	if err != nil || !exists {
		t.Fatalf("RawFile: %v exists=%v", err, exists)
	}
	if content != "# old content" {
		t.Errorf("content = %q", content)
	}
}

func TestPutFileSendsSHA(t *testing.T) {
	var got map[string]string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.Write([]byte(`{}`))
	}))

	err := client.PutFile(context.Background(), "docs/x.md", "branch-1", "msg", []byte("hello"), "blob-sha")
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if got["sha"] != "blob-sha" || got["branch"] != "branch-1" {
		t.Errorf("unexpected body %v", got)
	}
	if got["content"] == "" || got["content"] == "hello" {
		t.Errorf("content must be base64, got %q", got["content"])
	}
}

func TestCreatePullReusesExisting(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"message":"A pull request already exists for acme:handbook/sub-1."}`))
		case r.Method == http.MethodGet:
			if r.URL.Query().Get("head") != "acme:handbook/sub-1" {
				t.Errorf("head query = %q", r.URL.Query().Get("head"))
			}
			w.Write([]byte(`[{"number":7,"html_url":"https://example.test/pull/7","state":"open"}]`))
		}
	}))

	pr, err := client.CreatePull(context.Background(), "t", "b", "handbook/sub-1", "main")
	if err != nil {
		t.Fatalf("CreatePull: %v", err)
	}
	if pr.Number != 7 {
		t.Errorf("expected reused PR 7, got %d", pr.Number)
	}
}

func TestAppTokenCache(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	var mints atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		mints.Add(1)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "installation-token",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	tokens, err := newAppTokens(server.URL, "99", "42", string(keyPEM), server.Client())
	if err != nil {
		t.Fatalf("newAppTokens: %v", err)
	}

	for i := 0; i < 3; i++ {
		value, err := tokens.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if value != "installation-token" {
			t.Errorf("token = %q", value)
		}
	}
	if got := mints.Load(); got != 1 {
		t.Errorf("expected 1 mint, got %d", got)
	}
}

func TestAppJWTVerifiesAsRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	tokens, err := newAppTokens("https://api.example.test", "99", "42", string(keyPEM), http.DefaultClient)
	if err != nil {
		t.Fatalf("newAppTokens: %v", err)
	}
	signed, err := tokens.signAppJWT()
	if err != nil {
		t.Fatalf("signAppJWT: %v", err)
	}

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer("99"))
	if err != nil {
		t.Fatalf("jwt.Parse: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatalf("unexpected claims type %T", parsed.Claims)
	}
	exp, _ := claims.GetExpirationTime()
	if exp == nil || time.Until(exp.Time) > 10*time.Minute {
		t.Errorf("app jwt expiry = %v, must stay under GitHub's 10 minute cap", exp)
	}
	iat, _ := claims.GetIssuedAt()
	if iat == nil || !iat.Time.Before(time.Now()) {
		t.Errorf("iat = %v, must be backdated for clock skew", iat)
	}
}

func TestAppTokenRefreshNearExpiry(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	var mints atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mints.Add(1)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "tok",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	tokens, err := newAppTokens(server.URL, "99", "42", string(keyPEM), server.Client())
	if err != nil {
		t.Fatalf("newAppTokens: %v", err)
	}

	if _, err := tokens.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	// Move the clock to within the proactive-refresh margin.
	tokens.now = func() time.Time { return time.Now().Add(time.Hour - time.Minute) }
	if _, err := tokens.Token(context.Background()); err != nil {
		t.Fatalf("Token near expiry: %v", err)
	}
	if got := mints.Load(); got != 2 {
		t.Errorf("expected proactive refresh, mints = %d", got)
	}
}
