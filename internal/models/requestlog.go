package models

import (
	"time"

	"github.com/google/uuid"
)

// Represents one audited API call
type RequestLog struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	RequestedAt time.Time  `gorm:"index" json:"requested_at"`
	ResponseMs  int        `json:"response_ms"`
	Path        string     `gorm:"index" json:"path"`
	View        *string    `gorm:"index" json:"view,omitempty"`
	ViewMethod  *string    `gorm:"index" json:"view_method,omitempty"`
	RemoteAddr  string     `json:"remote_addr"`
	Host        string     `json:"host"`
	Method      string     `json:"method"`
	UserAgent   string     `json:"user_agent"`
	QueryParams string     `json:"query_params"`
	Data        string     `json:"data"`
	Response    *string    `json:"response,omitempty"`
	Errors      *string    `json:"errors,omitempty"`
	StatusCode  *int       `gorm:"index" json:"status_code,omitempty"`
	UserID      *uuid.UUID `gorm:"type:uuid;index" json:"user_id,omitempty"`
	Username    string     `json:"username"`
}

func (RequestLog) TableName() string {
	return "api_request_logs"
}
