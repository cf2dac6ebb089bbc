package models

import (
	"time"
)

// OperationAcceptedResponse is returned by every endpoint that starts an
// asynchronous operation. The id is the handle for polling and for the
// websocket subscription.
type OperationAcceptedResponse struct {
	OperationID string          `json:"operation_id"`
	Status      OperationStatus `json:"status"`
	Message     string          `json:"message"`
}

// OperationListResponse is the paginated payload of GET /operations.
type OperationListResponse struct {
	Operations []Operation `json:"operations"`
	TotalCount int64       `json:"total_count"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// ActiveCountResponse is the payload of GET /operations/active/count.
type ActiveCountResponse struct {
	Count int64 `json:"count"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       uint      `json:"user_id"`
	Role         Role      `json:"role"`
}

// PingResponse reports engine connectivity.
type PingResponse struct {
	APIVersion   string `json:"api_version"`
	OSType       string `json:"os_type"`
	Experimental bool   `json:"experimental"`
}
