// Package github is a typed client for the slice of the GitHub REST API the
// publish pipeline needs: refs, contents, raw files, and pull requests.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	BaseURL string
	Owner   string
	Repo    string

	// Either a static token...
	Token string
	// ...or GitHub App credentials (installation tokens are minted and
	// cached, see tokencache.go).
	AppID          string
	InstallationID string
	PrivateKeyPEM  string
}

type Client struct {
	baseURL string
	owner   string
	repo    string
	http    *http.Client
	creds   credentialSource
}

// credentialSource yields a bearer token for each request. Static tokens
// return themselves; app credentials go through the expiring cache.
type credentialSource interface {
	Token(ctx context.Context) (string, error)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) { return string(t), nil }

func NewClient(cfg Config) (*Client, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	client := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	if client.baseURL == "" {
		client.baseURL = "https://api.github.com"
	}
	switch {
	case cfg.Token != "":
		client.creds = staticToken(cfg.Token)
	case cfg.AppID != "" && cfg.InstallationID != "" && cfg.PrivateKeyPEM != "":
		app, err := newAppTokens(client.baseURL, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPEM, client.http)
		if err != nil {
			return nil, err
		}
		client.creds = app
	default:
		return nil, fmt.Errorf("github: either a token or full app credentials are required")
	}
	return client, nil
}

// APIError carries the remote status and message so callers can distinguish
// "already exists" conflicts from real failures.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: status %d: %s", e.StatusCode, e.Message)
}

// IsAlreadyExists reports whether the remote rejected a create because the
// ref or PR is already there. The publish flow treats these as success.
func IsAlreadyExists(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	if apiErr.StatusCode == http.StatusConflict {
		return true
	}
	return apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", c.owner, c.repo) + fmt.Sprintf(format, args...)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, accept string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var remote struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &remote)
		if remote.Message == "" {
			remote.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: remote.Message}
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// BranchHead resolves the tip commit SHA of a branch.
func (c *Client) BranchHead(ctx context.Context, branch string) (string, error) {
	var out struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	path := c.repoPath("/git/ref/%s", escapePath("heads/"+branch))
	if err := c.do(ctx, http.MethodGet, path, nil, &out, ""); err != nil {
		return "", err
	}
	return out.Object.SHA, nil
}

// EnsureBranch creates a branch at the given SHA. An "already exists"
// response is treated as success so a retried publish reuses the branch.
func (c *Client) EnsureBranch(ctx context.Context, branch, sha string) error {
	body := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	err := c.do(ctx, http.MethodPost, c.repoPath("/git/refs"), body, nil, "")
	if err != nil && !IsAlreadyExists(err) {
		return err
	}
	return nil
}

// FileInfo describes a file on a ref; SHA is the blob SHA the contents API
// requires for optimistic-concurrency updates.
type FileInfo struct {
	SHA  string `json:"sha"`
	Path string `json:"path"`
}

// GetFile returns file metadata on a ref, or nil when the path is absent.
func (c *Client) GetFile(ctx context.Context, path, ref string) (*FileInfo, error) {
	var out FileInfo
	apiPath := c.repoPath("/contents/%s", escapePath(path)) + "?ref=" + url.QueryEscape(ref)
	err := c.do(ctx, http.MethodGet, apiPath, nil, &out, "")
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RawFile fetches the raw bytes of a file on a ref. The second return is
// false when the file does not exist.
func (c *Client) RawFile(ctx context.Context, path, ref string) (string, bool, error) {
	var raw []byte
	apiPath := c.repoPath("/contents/%s", escapePath(path)) + "?ref=" + url.QueryEscape(ref)
	err := c.do(ctx, http.MethodGet, apiPath, nil, &raw, "application/vnd.github.raw+json")
	if isNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// PutFile creates or updates a file on a branch. Pass the current blob SHA
// when updating; leave it empty for a create.
func (c *Client) PutFile(ctx context.Context, path, branch, message string, content []byte, sha string) error {
	body := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
		"branch":  branch,
	}
	if sha != "" {
		body["sha"] = sha
	}
	return c.do(ctx, http.MethodPut, c.repoPath("/contents/%s", escapePath(path)), body, nil, "")
}

type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
}

// CreatePull opens a pull request. If the remote reports one already exists
// for the head branch, the existing PR is looked up and returned.
func (c *Client) CreatePull(ctx context.Context, title, body, head, base string) (*PullRequest, error) {
	payload := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}
	var out PullRequest
	err := c.do(ctx, http.MethodPost, c.repoPath("/pulls"), payload, &out, "")
	if err == nil {
		return &out, nil
	}
	if IsAlreadyExists(err) {
		return c.FindPullByHead(ctx, head)
	}
	return nil, err
}

// FindPullByHead returns the most recent pull request whose head is the
// given branch.
func (c *Client) FindPullByHead(ctx context.Context, head string) (*PullRequest, error) {
	var out []PullRequest
	path := c.repoPath("/pulls") + "?state=all&head=" + url.QueryEscape(c.owner+":"+head)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, ""); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("github: no pull request found for head %s", head)
	}
	return &out[0], nil
}

// AddLabels applies labels to a pull request (issues endpoint).
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, c.repoPath("/issues/%d/labels", number),
		map[string][]string{"labels": labels}, nil, "")
}

// RequestReviewers asks for review on a pull request.
func (c *Client) RequestReviewers(ctx context.Context, number int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, c.repoPath("/pulls/%d/requested_reviewers", number),
		map[string][]string{"reviewers": reviewers}, nil, "")
}

// AddAssignees assigns users to a pull request.
func (c *Client) AddAssignees(ctx context.Context, number int, assignees []string) error {
	if len(assignees) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, c.repoPath("/issues/%d/assignees", number),
		map[string][]string{"assignees": assignees}, nil, "")
}

// escapePath escapes each path segment while keeping separators.
func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
