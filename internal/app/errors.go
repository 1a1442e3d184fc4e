package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"handbook/api/internal/accounts"
	"handbook/api/internal/github"
	"handbook/api/internal/publish"
	"handbook/api/internal/staging"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var stagingErr *staging.ValidationError
	if errors.As(err, &stagingErr) {
		return http.StatusUnprocessableEntity, "validation_error", stagingErr.Msg, nil
	}
	var accountErr *accounts.ValidationError
	if errors.As(err, &accountErr) {
		return http.StatusUnprocessableEntity, "validation_error", accountErr.Msg, nil
	}
	var dangling *publish.DanglingReferenceError
	if errors.As(err, &dangling) {
		return http.StatusUnprocessableEntity, "validation_error", dangling.Error(), nil
	}
	var unstaged *publish.UnstagedReferenceError
	if errors.As(err, &unstaged) {
		return http.StatusUnprocessableEntity, "validation_error", unstaged.Error(), nil
	}
	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, "dependency_error", "Upstream repository error", nil
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "not_found", "Not found", nil
	case errors.Is(err, accounts.ErrInvalidCredentials):
		return http.StatusUnauthorized, "unauthorized", "Invalid credentials", nil
	case errors.Is(err, accounts.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized", "Unauthorized", nil
	case errors.Is(err, accounts.ErrAlreadyBootstrapped):
		return http.StatusConflict, "conflict", "Accounts already exist", nil
	case errors.Is(err, accounts.ErrUserExists):
		return http.StatusConflict, "conflict", "User already exists", nil
	case errors.Is(err, accounts.ErrUserNotFound):
		return http.StatusNotFound, "not_found", "User not found", nil
	}
	return http.StatusInternalServerError, "server_error", "Server error", nil
}
