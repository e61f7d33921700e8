package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Outcome values recorded per forwarded request.
const (
	OutcomeSuccess        = "success"
	OutcomeQuotaExceeded  = "quota_exceeded"
	OutcomeUpstreamError  = "upstream_error"
	OutcomePartialFailure = "partial_failure"
	OutcomeClientError    = "client_error"
)

// RequestLog is the append-only record of one proxied request. Entries are
// written exactly once, after the request's reservation resolves; requests
// that never authenticate produce no entry.
type RequestLog struct {
	BaseModel
	TeamID         uuid.UUID `gorm:"type:uuid;not null;index" json:"team_id"`
	Team           *Team     `gorm:"foreignKey:TeamID" json:"-"`
	TeamName       string    `gorm:"index" json:"team_name"`
	Model          string    `gorm:"index" json:"model"`
	TokensConsumed int64     `json:"tokens_consumed"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
	Outcome        string    `gorm:"index" json:"outcome"`

	// Truncated payload copies for audit.
	RequestBody  datatypes.JSON `json:"request_body,omitempty"`
	ResponseBody datatypes.JSON `json:"response_body,omitempty"`
}

func (RequestLog) TableName() string {
	return "request_logs"
}

// auditEnvelope wraps payloads that cannot be stored verbatim, either
// because they exceed the cap or are not valid JSON (streamed text).
type auditEnvelope struct {
	Truncated bool   `json:"truncated"`
	Bytes     int    `json:"bytes"`
	Preview   string `json:"preview"`
}

// AuditJSON prepares a payload for a jsonb audit column. Valid JSON within
// the cap is stored as-is; anything else is wrapped in an envelope so the
// column value stays well-formed.
func AuditJSON(raw []byte, maxBytes int) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = 4096
	}
	if len(raw) <= maxBytes && json.Valid(raw) {
		return datatypes.JSON(raw)
	}
	preview := raw
	truncated := false
	if len(preview) > maxBytes {
		preview = preview[:maxBytes]
		truncated = true
	}
	out, err := json.Marshal(auditEnvelope{
		Truncated: truncated,
		Bytes:     len(raw),
		Preview:   string(preview),
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(out)
}
