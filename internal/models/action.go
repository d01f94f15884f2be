package models

import (
	"time"
)

// BulkActionStatus values persisted in Postgres.
const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// ActionType values. Bulk update is the only supported action today.
const (
	ActionBulkUpdate = "BULK_UPDATE"
)

// BulkAction tracks one submitted file through the pipeline.
// TotalCount stays 0 until the producer has streamed the whole file.
type BulkAction struct {
	ID             string    `json:"actionId"`
	ActionType     string    `json:"actionType"`
	EntityType     string    `json:"entityType"`
	Status         string    `json:"status"`
	FilePath       string    `json:"filePath"`
	TotalCount     int64     `json:"totalCount"`
	ProcessedCount int64     `json:"processedCount"`
	SuccessCount   int64     `json:"successCount"`
	FailureCount   int64     `json:"failureCount"`
	SkippedCount   int64     `json:"skippedCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Terminal reports whether the action has reached a final status.
func (a BulkAction) Terminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusFailed
}

// BatchMessage is the wire payload on the main and retry topics.
// BatchID makes progress accounting idempotent under redelivery.
type BatchMessage struct {
	ActionID   string           `json:"actionId"`
	BatchID    string           `json:"batchId"`
	EntityType string           `json:"entityType"`
	Rows       []map[string]any `json:"rows"`
}

// Transport header names used for retry and poison bookkeeping.
// Timestamps are RFC 3339, retry-count is a decimal string.
const (
	HeaderRetryCount   = "retry-count"
	HeaderFirstFailure = "first-failure"
	HeaderLastRetry    = "last-retry"
	HeaderErrorMessage = "error-message"
	HeaderMovedAt      = "moved-at"
	HeaderReason       = "reason"
)

// ReasonMaxRetries is the poison reason used when the retry budget runs out.
const ReasonMaxRetries = "Max retry attempts exceeded"

// PoisonBatch is a dead-lettered batch kept for manual intervention.
type PoisonBatch struct {
	ID           string    `json:"id"`
	ActionID     string    `json:"actionId"`
	BatchID      string    `json:"batchId"`
	RetryCount   int       `json:"retryCount"`
	Reason       string    `json:"reason"`
	ErrorMessage string    `json:"errorMessage"`
	Payload      []byte    `json:"-"`
	RowCount     int64     `json:"rowCount"`
	MovedAt      time.Time `json:"movedAt"`
}
