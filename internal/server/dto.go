package server

import (
	"time"

	"kannamma/internal/calls"
	"kannamma/internal/dashboard"
	"kannamma/internal/domain"
)

// Request payloads

type LoginRequest struct {
	ASHAID   string `json:"asha_id" minLength:"1" example:"asha-1"`
	Password string `json:"password" minLength:"1"`
}

type NotesRequest struct {
	Notes string `json:"notes" maxLength:"2000"`
}

// Response payloads

type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	ASHA      domain.ASHA `json:"asha"`
}

type MothersResponse struct {
	Items []domain.Patient `json:"items"`
}

type CallLogsResponse struct {
	Items []dashboard.CallLogEntry `json:"items"`
}

// CallAllResponse holds either the tracking session of a background bulk call or,
// with wait=true, its finished result.
type CallAllResponse struct {
	Session *calls.Session           `json:"session,omitempty"`
	Result  *dashboard.CallAllResult `json:"result,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
