package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"handbook/api/internal/staging"
)

// maxSubmissionBody caps a multipart submission: every asset at the size
// limit plus slack for the payload itself.
const maxSubmissionBody = int64(staging.MaxAssetsPerSubmission)*staging.MaxAssetSize + (1 << 20)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		statusCode := http.StatusOK
		if err := s.service.Ping(ctx); err != nil {
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     statusCode == http.StatusOK,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/submissions" {
		s.handleSubmit(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/submissions/lookup" {
		s.handleLookup(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/submissions/leaderboard" {
		s.handleLeaderboard(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/admin/") {
		s.handleAdmin(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
}

// handleSubmit accepts either a plain JSON body or, when assets are
// attached, multipart/form-data with a `payload` JSON part, an
// `assets_manifest` JSON array, and one binary part per staged asset named
// by its asset id.
func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBody)

	var (
		input   SubmitInput
		uploads []staging.Upload
	)
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		var err error
		input, uploads, err = parseMultipartSubmission(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
	} else {
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
	}

	sub, err := s.service.Submit(r.Context(), clientIP(r), input, uploads)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         sub.ID,
		"status":     sub.Status,
		"created_at": sub.CreatedAt,
	})
}

func parseMultipartSubmission(r *http.Request) (SubmitInput, []staging.Upload, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return SubmitInput{}, nil, fmt.Errorf("invalid multipart body")
	}

	var input SubmitInput
	payload := r.FormValue("payload")
	if payload == "" {
		return SubmitInput{}, nil, fmt.Errorf("payload part is required")
	}
	if err := json.Unmarshal([]byte(payload), &input); err != nil {
		return SubmitInput{}, nil, fmt.Errorf("payload part is not valid JSON")
	}

	manifestRaw := r.FormValue("assets_manifest")
	if manifestRaw == "" {
		return input, nil, nil
	}
	var manifest []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Type   string `json:"type"`
		Size   int64  `json:"size"`
		SHA256 string `json:"sha256"`
	}
	if err := json.Unmarshal([]byte(manifestRaw), &manifest); err != nil {
		return SubmitInput{}, nil, fmt.Errorf("assets_manifest is not valid JSON")
	}
	if len(manifest) > staging.MaxAssetsPerSubmission {
		return SubmitInput{}, nil, fmt.Errorf("assets_manifest lists too many assets")
	}

	uploads := make([]staging.Upload, 0, len(manifest))
	for _, entry := range manifest {
		headers := r.MultipartForm.File[entry.ID]
		if len(headers) == 0 {
			return SubmitInput{}, nil, fmt.Errorf("missing binary part for asset %q", entry.ID)
		}
		part, err := headers[0].Open()
		if err != nil {
			return SubmitInput{}, nil, fmt.Errorf("read asset %q", entry.ID)
		}
		data, err := io.ReadAll(io.LimitReader(part, staging.MaxAssetSize+1))
		part.Close()
		if err != nil {
			return SubmitInput{}, nil, fmt.Errorf("read asset %q", entry.ID)
		}
		uploads = append(uploads, staging.Upload{
			ID:          entry.ID,
			Name:        entry.Name,
			ContentType: entry.Type,
			Size:        entry.Size,
			SHA256:      entry.SHA256,
			Data:        data,
		})
	}
	return input, uploads, nil
}

func (s *HTTPServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	var input LookupInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	results, counts, err := s.service.Lookup(r.Context(), clientIP(r), input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submissions": results,
		"counts":      counts,
	})
}

func (s *HTTPServer) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	entries, err := s.service.Leaderboard(r.Context(), limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

// ── Plumbing ──

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// bearerToken returns the session credential from either the Authorization
// header or the admin-token header.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token"))
}

// clientIP prefers the first forwarded hop so bans survive a reverse proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
