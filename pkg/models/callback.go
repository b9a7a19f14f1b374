package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Outcome is the effective result reported by the outside actor.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ParseOutcome applies the callback status rule: no status, or a status
// matching "success" or "done" in any case, is a success. Anything else,
// including blank or padded values, is a failure.
func ParseOutcome(status string) Outcome {
	s := strings.ToLower(status)
	if s == "" || s == "success" || s == "done" {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// CallbackRequest is the report an outside actor sends when the gated step
// is finished. JiraStoryID and Message are accepted as aliases for the
// fields used by earlier integrations.
type CallbackRequest struct {
	CorrelationKey string `json:"correlationKey"`
	Detail         string `json:"detail"`
	Status         string `json:"status,omitempty"`
}

type callbackWire struct {
	CorrelationKey string `json:"correlationKey"`
	JiraStoryID    string `json:"jiraStoryId"`
	Detail         string `json:"detail"`
	Message        string `json:"message"`
	Status         string `json:"status"`
}

// UnmarshalJSON folds the legacy field names into the canonical ones.
func (r *CallbackRequest) UnmarshalJSON(data []byte) error {
	var w callbackWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.CorrelationKey = w.CorrelationKey
	if r.CorrelationKey == "" {
		r.CorrelationKey = w.JiraStoryID
	}
	r.Detail = w.Detail
	if r.Detail == "" {
		r.Detail = w.Message
	}
	r.Status = w.Status
	return nil
}

// SuccessPayload is handed to the engine when a suspension resolves
// successfully.
type SuccessPayload struct {
	Message        string    `json:"message"`
	Status         string    `json:"status"`
	CorrelationKey string    `json:"correlationKey"`
	CompletedAt    time.Time `json:"completedAt"`
}

// Resolution confirms a processed callback.
type Resolution struct {
	Message        string    `json:"message"`
	CorrelationKey string    `json:"correlationKey"`
	ExecutionRef   string    `json:"executionRef"`
	Status         Outcome   `json:"status"`
	ResolvedAt     time.Time `json:"resolvedAt"`
}
