package models

import (
	"time"
)

// DefaultSuspensionTTL is how long a suspension stays resolvable when the
// registering engine does not ask for a different window.
const DefaultSuspensionTTL = 24 * time.Hour

// MaxSuspensionTTL caps requested windows. It also keeps seconds-to-Duration
// conversion clear of int64 overflow.
const MaxSuspensionTTL = 365 * 24 * time.Hour

// Suspension is a paused workflow execution waiting for an outside actor.
// It is keyed by CorrelationKey; at most one live record exists per key.
type Suspension struct {
	CorrelationKey   string    `json:"correlationKey"`
	ResumptionHandle string    `json:"resumptionHandle"`
	ExecutionRef     string    `json:"executionRef"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`

	// Lease held by a resolver that is currently resuming the execution.
	ClaimOwner string    `json:"-"`
	ClaimUntil time.Time `json:"-"`
}

// NewSuspension builds a record that expires ttl after now.
func NewSuspension(correlationKey, handle, executionRef string, now time.Time, ttl time.Duration) *Suspension {
	if ttl <= 0 {
		ttl = DefaultSuspensionTTL
	}
	return &Suspension{
		CorrelationKey:   correlationKey,
		ResumptionHandle: handle,
		ExecutionRef:     executionRef,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
}

// Expired reports whether the record is past its window at now.
// A record is visible only while now < ExpiresAt.
func (s *Suspension) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Claimed reports whether another resolver holds an unexpired lease.
func (s *Suspension) Claimed(now time.Time) bool {
	return s.ClaimOwner != "" && now.Before(s.ClaimUntil)
}

// Clone returns a copy so stores never hand out their internal pointer.
func (s *Suspension) Clone() *Suspension {
	c := *s
	return &c
}

// SuspensionView is the diagnostic representation returned by the API.
// The resumption handle is redacted.
type SuspensionView struct {
	CorrelationKey string    `json:"correlationKey"`
	Handle         string    `json:"resumptionHandle"`
	ExecutionRef   string    `json:"executionRef"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Claimed        bool      `json:"claimed,omitempty"`
}

// View converts the record into its redacted form.
func (s *Suspension) View(now time.Time) SuspensionView {
	return SuspensionView{
		CorrelationKey: s.CorrelationKey,
		Handle:         RedactHandle(s.ResumptionHandle),
		ExecutionRef:   s.ExecutionRef,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		Claimed:        s.Claimed(now),
	}
}

// RedactHandle keeps a short prefix of a resumption handle for log
// correlation. Handles are bearer secrets and never appear in full.
func RedactHandle(handle string) string {
	const keep = 6
	if handle == "" {
		return ""
	}
	if len(handle) <= keep {
		return "***"
	}
	return handle[:keep] + "***"
}

// SuspendRequest is sent by the orchestration engine when a step needs
// external input.
type SuspendRequest struct {
	CorrelationKey   string `json:"correlationKey"`
	ResumptionHandle string `json:"resumptionHandle"`
	ExecutionRef     string `json:"executionRef"`
	TTLSeconds       int64  `json:"ttlSeconds,omitempty"`
}

// TTL returns the requested window, zero meaning "use the default".
func (r *SuspendRequest) TTL() time.Duration {
	return TTLFromSeconds(r.TTLSeconds)
}

// TTLFromSeconds converts a wire TTL, capped at MaxSuspensionTTL. Zero or
// negative means "use the default" and comes back as zero.
func TTLFromSeconds(seconds int64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	if seconds > int64(MaxSuspensionTTL/time.Second) {
		return MaxSuspensionTTL
	}
	return time.Duration(seconds) * time.Second
}
