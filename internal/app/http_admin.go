package app

import (
	"net/http"
	"strconv"

	"handbook/api/internal/accounts"
	"handbook/api/internal/store"
)

// handleAdmin routes everything under /api/admin/. Login is reachable
// without credentials; bootstrap requires the owner token (no session exists
// before the first admin does); the rest resolve the caller first, and the
// owner subtree additionally requires the owner token itself.
func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/auth/login" {
		s.handleAdminLogin(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/bootstrap" {
		s.handleAdminBootstrap(w, r)
		return
	}

	token := bearerToken(r)
	identity, err := s.service.Accounts().ResolveSession(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return
	}

	segments := splitPath(r.URL.Path) // ["api", "admin", ...]
	rest := segments[2:]

	switch {
	case r.Method == http.MethodGet && pathIs(rest, "auth", "me"):
		writeJSON(w, http.StatusOK, map[string]any{
			"username":     identity.Username,
			"display_name": identity.DisplayName,
			"role":         identity.Role,
			"owner":        identity.Owner,
		})

	case r.Method == http.MethodPost && pathIs(rest, "auth", "logout"):
		if err := s.service.Accounts().Logout(r.Context(), token); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) >= 1 && rest[0] == "submissions":
		s.handleAdminSubmissions(w, r, identity, rest[1:])

	case len(rest) >= 1 && rest[0] == "ip-bans":
		s.handleAdminBans(w, r, identity, rest[1:])

	case r.Method == http.MethodPost && pathIs(rest, "assets", "cleanup"):
		if identity.Role != "admin" {
			writeError(w, http.StatusForbidden, "forbidden", "Admin role required", nil)
			return
		}
		report, err := s.service.CleanupAssets(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case len(rest) >= 2 && rest[0] == "owner" && rest[1] == "users":
		if !identity.Owner {
			writeError(w, http.StatusForbidden, "forbidden", "Owner token required", nil)
			return
		}
		s.handleOwnerUsers(w, r, rest[2:])

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username       string `json:"username"`
		Password       string `json:"password"`
		TurnstileToken string `json:"turnstile_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	token, identity, err := s.service.Login(r.Context(), clientIP(r), body.Username, body.Password, body.TurnstileToken)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        token,
		"username":     identity.Username,
		"display_name": identity.DisplayName,
		"role":         identity.Role,
	})
}

func (s *HTTPServer) handleAdminBootstrap(w http.ResponseWriter, r *http.Request) {
	identity, err := s.service.Accounts().ResolveSession(r.Context(), bearerToken(r))
	if err != nil || !identity.Owner {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Owner token required", nil)
		return
	}

	var body struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return
	}
	if err := s.service.Accounts().Bootstrap(r.Context(), body.Username, body.DisplayName, body.Password); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAdminSubmissions(w http.ResponseWriter, r *http.Request, identity accounts.Identity, rest []string) {
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		limit, offset, ok := paginationParams(w, r)
		if !ok {
			return
		}
		items, err := s.service.ListSubmissions(r.Context(), r.URL.Query().Get("status"), limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		counts, err := s.service.store.CountSubmissionsByStatus(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submissions": submissionViews(items),
			"counts":      counts,
		})

	case r.Method == http.MethodGet && pathIs(rest, "search"):
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		records, err := s.service.SearchSubmissions(r.Context(), r.URL.Query().Get("q"), limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": records})

	case r.Method == http.MethodGet && len(rest) == 1:
		sub, err := s.service.GetSubmission(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		assets, err := s.service.GetSubmissionAssets(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submission": submissionView(sub),
			"assets":     assetViews(assets),
		})

	case r.Method == http.MethodPost && len(rest) == 2 && (rest[1] == "approve" || rest[1] == "reject"):
		var body struct {
			Notes string `json:"notes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		var (
			sub store.Submission
			err error
		)
		if rest[1] == "approve" {
			sub, err = s.service.Approve(r.Context(), identity, rest[0], body.Notes)
		} else {
			sub, err = s.service.Reject(r.Context(), identity, rest[0], body.Notes)
		}
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submission": submissionView(sub)})

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleAdminBans(w http.ResponseWriter, r *http.Request, identity accounts.Identity, rest []string) {
	if identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "forbidden", "Admin role required", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		limit, offset, ok := paginationParams(w, r)
		if !ok {
			return
		}
		bans, err := s.service.ListBans(r.Context(), limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bans": bans})

	case r.Method == http.MethodPost && len(rest) == 0:
		var input BanInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		ban, err := s.service.BanIP(r.Context(), identity, input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ban": ban})

	case r.Method == http.MethodDelete && len(rest) == 1,
		r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "unban":
		if err := s.service.UnbanIP(r.Context(), rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleOwnerUsers(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		users, err := s.service.Accounts().ListUsers(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": userViews(users)})

	case r.Method == http.MethodPost && len(rest) == 0:
		var body struct {
			Username    string `json:"username"`
			DisplayName string `json:"display_name"`
			Role        string `json:"role"`
			Password    string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		if err := s.service.Accounts().CreateUser(r.Context(), body.Username, body.DisplayName, body.Role, body.Password); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "password":
		var body struct {
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}
		if err := s.service.Accounts().SetPassword(r.Context(), rest[0], body.Password); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "disable":
		if err := s.service.Accounts().Disable(r.Context(), rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

// ── View shaping ──

func submissionView(sub store.Submission) map[string]any {
	view := map[string]any{
		"id":           sub.ID,
		"type":         sub.Type,
		"language":     sub.Language,
		"target_path":  sub.TargetPath,
		"title":        sub.Title,
		"content":      sub.Content,
		"status":       sub.Status,
		"author_name":  sub.AuthorName,
		"author_email": sub.AuthorEmail,
		"reviewer":     sub.Reviewer,
		"review_notes": sub.ReviewNotes,
		"reviewed_at":  sub.ReviewedAt,
		"pr_state":     sub.PRState,
		"pr_error":     sub.PRError,
		"created_at":   sub.CreatedAt,
		"updated_at":   sub.UpdatedAt,
	}
	if sub.PRNumber != nil {
		view["pr_number"] = *sub.PRNumber
		view["pr_url"] = sub.PRURL
		view["pr_branch"] = sub.PRBranch
	}
	return view
}

func submissionViews(items []store.Submission) []map[string]any {
	views := make([]map[string]any, len(items))
	for i, item := range items {
		views[i] = submissionView(item)
	}
	return views
}

func assetViews(items []store.SubmissionAsset) []map[string]any {
	views := make([]map[string]any, len(items))
	for i, item := range items {
		views[i] = map[string]any{
			"asset_id":     item.AssetID,
			"file_name":    item.FileName,
			"content_type": item.ContentType,
			"size":         item.Size,
			"status":       item.Status,
			"temp_url":     item.TempURL,
			"public_path":  item.PublicPath,
			"created_at":   item.CreatedAt,
		}
	}
	return views
}

func userViews(users []store.AdminUser) []map[string]any {
	views := make([]map[string]any, len(users))
	for i, user := range users {
		views[i] = map[string]any{
			"username":     user.Username,
			"display_name": user.DisplayName,
			"role":         user.Role,
			"disabled_at":  user.DisabledAt,
			"created_at":   user.CreatedAt,
		}
	}
	return views
}

func pathIs(segments []string, expected ...string) bool {
	if len(segments) != len(expected) {
		return false
	}
	for i := range expected {
		if segments[i] != expected[i] {
			return false
		}
	}
	return true
}

func paginationParams(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = 50, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer", nil)
			return 0, 0, false
		}
		limit = parsed
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "offset must be an integer", nil)
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}
