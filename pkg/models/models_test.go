package models

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestParseOutcome(t *testing.T) {
	tests := map[string]Outcome{
		"":          OutcomeSuccess,
		"success":   OutcomeSuccess,
		"Success":   OutcomeSuccess,
		"DONE":      OutcomeSuccess,
		" done ":    OutcomeFailure,
		" ":         OutcomeFailure,
		"\tdone":    OutcomeFailure,
		" success ": OutcomeFailure,
		"failed":    OutcomeFailure,
		"rejected":  OutcomeFailure,
		"ok":        OutcomeFailure,
	}
	for status, want := range tests {
		if got := ParseOutcome(status); got != want {
			t.Errorf("ParseOutcome(%q) = %s, want %s", status, got, want)
		}
	}
}

func TestCallbackRequestAliases(t *testing.T) {
	var req CallbackRequest
	if err := json.Unmarshal([]byte(`{"jiraStoryId":"JIRA-1","message":"done","status":"Done"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.CorrelationKey != "JIRA-1" || req.Detail != "done" || req.Status != "Done" {
		t.Fatalf("unexpected request: %+v", req)
	}

	// Canonical names win over the aliases.
	req = CallbackRequest{}
	body := `{"correlationKey":"K","jiraStoryId":"J","detail":"d","message":"m"}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.CorrelationKey != "K" || req.Detail != "d" {
		t.Fatalf("canonical fields not preferred: %+v", req)
	}
}

func TestRedactHandle(t *testing.T) {
	if got := RedactHandle(""); got != "" {
		t.Errorf("empty handle redacted to %q", got)
	}
	if got := RedactHandle("abc"); got != "***" {
		t.Errorf("short handle redacted to %q", got)
	}
	if got := RedactHandle("abcdef0123456789"); got != "abcdef***" {
		t.Errorf("long handle redacted to %q", got)
	}
}

func TestSuspensionWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSuspension("K", "handle-secret", "exec-1", now, time.Hour)

	if s.Expired(now.Add(59 * time.Minute)) {
		t.Error("record expired before its window")
	}
	if !s.Expired(now.Add(time.Hour)) {
		t.Error("record still live at ExpiresAt")
	}

	d := NewSuspension("K", "H", "", now, 0)
	if d.ExpiresAt.Sub(d.CreatedAt) != DefaultSuspensionTTL {
		t.Errorf("default window = %v", d.ExpiresAt.Sub(d.CreatedAt))
	}
}

func TestSuspensionView(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSuspension("K", "handle-secret", "exec-1", now, time.Hour)
	s.ClaimOwner = "resolver"
	s.ClaimUntil = now.Add(time.Minute)

	v := s.View(now)
	if v.Handle != "handle***" {
		t.Errorf("view leaked handle: %q", v.Handle)
	}
	if !v.Claimed {
		t.Error("view should report the active claim")
	}
	if s.View(now.Add(2 * time.Minute)).Claimed {
		t.Error("lapsed claim reported as active")
	}

	c := s.Clone()
	c.ClaimOwner = ""
	if s.ClaimOwner != "resolver" {
		t.Error("clone shares state with original")
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	if _, ok := raw["ClaimOwner"]; ok {
		t.Error("claim owner serialized")
	}
}

func TestSuspendRequestTTL(t *testing.T) {
	r := SuspendRequest{TTLSeconds: 90}
	if r.TTL() != 90*time.Second {
		t.Errorf("TTL = %v", r.TTL())
	}
	r.TTLSeconds = -1
	if r.TTL() != 0 {
		t.Errorf("negative TTL = %v", r.TTL())
	}
	r.TTLSeconds = math.MaxInt64
	if r.TTL() != MaxSuspensionTTL {
		t.Errorf("huge TTL = %v, want the cap", r.TTL())
	}
	if got := TTLFromSeconds(int64(MaxSuspensionTTL/time.Second) + 1); got != MaxSuspensionTTL {
		t.Errorf("TTL just over the cap = %v", got)
	}
}
