// Package services simulates the downstream systems a gated workflow calls
// around its suspension: notification, validation and deployment.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/taskgate/pkg/auth"
	"github.com/psantana5/taskgate/pkg/logging"
	"github.com/psantana5/taskgate/pkg/metrics"
)

// Names of the simulated services
const (
	Notification = "notification"
	Validation   = "validation"
	Deployment   = "deployment"
)

// Error is a service-level failure carrying its response status
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the response status for the failure
func (e *Error) HTTPStatus() int {
	return e.Status
}

var (
	// ErrUnknownService is returned by Invoke for a name no service answers to
	ErrUnknownService = errors.New("unknown service")
)

func badRequest(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "Bad Request", Message: message}
}

func unauthorized(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: "Unauthorized", Message: message}
}

// Request is the input every service accepts. jiraStoryId is accepted as
// an alias of correlationKey. Package ids may be strings or numbers.
type Request struct {
	CorrelationKey string   `json:"correlationKey"`
	Action         string   `json:"action,omitempty"`
	Message        string   `json:"message,omitempty"`
	PackageIDs     []string `json:"packageIds,omitempty"`

	// badPackages is set when packageIds was present but not an array
	badPackages bool
}

type requestWire struct {
	CorrelationKey string          `json:"correlationKey"`
	JiraStoryID    string          `json:"jiraStoryId"`
	Action         string          `json:"action"`
	Message        string          `json:"message"`
	PackageIDs     json.RawMessage `json:"packageIds"`
}

// UnmarshalJSON folds the legacy key name and normalizes package ids
func (r *Request) UnmarshalJSON(data []byte) error {
	var w requestWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.CorrelationKey = w.CorrelationKey
	if r.CorrelationKey == "" {
		r.CorrelationKey = w.JiraStoryID
	}
	r.Action = w.Action
	r.Message = w.Message
	r.PackageIDs = nil
	r.badPackages = false

	raw := bytes.TrimSpace(w.PackageIDs)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var ids []interface{}
	if err := dec.Decode(&ids); err != nil {
		r.badPackages = true
		return nil
	}
	r.PackageIDs = make([]string, 0, len(ids))
	for _, id := range ids {
		r.PackageIDs = append(r.PackageIDs, fmt.Sprint(id))
	}
	return nil
}

// ChannelResult is one delivered notification
type ChannelResult struct {
	Channel   string    `json:"channel"`
	Status    string    `json:"status"`
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// NotificationResponse is returned by the notification service
type NotificationResponse struct {
	Success            bool            `json:"success"`
	CorrelationKey     string          `json:"correlationKey"`
	Action             string          `json:"action,omitempty"`
	Message            string          `json:"message"`
	NotificationStatus string          `json:"notificationStatus"`
	Channels           []ChannelResult `json:"channels"`
	TotalRecipients    int             `json:"totalRecipients"`
	Timestamp          time.Time       `json:"timestamp"`
	SentBy             string          `json:"sentBy"`
}

// PackageCheck is the validation verdict for one package
type PackageCheck struct {
	PackageID    string   `json:"packageId"`
	Valid        bool     `json:"valid"`
	Reason       string   `json:"reason"`
	ChecksPassed []string `json:"checksPassed"`
	ChecksFailed []string `json:"checksFailed"`
}

// ValidationResponse is returned by the validation service
type ValidationResponse struct {
	Success          bool           `json:"success"`
	CorrelationKey   string         `json:"correlationKey"`
	Action           string         `json:"action,omitempty"`
	ValidationStatus string         `json:"validationStatus"`
	Results          []PackageCheck `json:"results"`
	Timestamp        time.Time      `json:"timestamp"`
	ValidatedBy      string         `json:"validatedBy"`
}

// PackageDeployment is the deployment record for one package
type PackageDeployment struct {
	PackageID    string    `json:"packageId"`
	Status       string    `json:"status"`
	Environment  string    `json:"environment"`
	DeploymentID string    `json:"deploymentId"`
	URL          string    `json:"url"`
	Warnings     []string  `json:"warnings"`
	DeployedAt   time.Time `json:"deployedAt"`
}

// DeploymentResponse is returned by the deployment service
type DeploymentResponse struct {
	Success               bool                `json:"success"`
	CorrelationKey        string              `json:"correlationKey"`
	Action                string              `json:"action,omitempty"`
	DeploymentStatus      string              `json:"deploymentStatus"`
	Results               []PackageDeployment `json:"results"`
	TotalPackages         int                 `json:"totalPackages"`
	SuccessfulDeployments int                 `json:"successfulDeployments"`
	Timestamp             time.Time           `json:"timestamp"`
	DeployedBy            string              `json:"deployedBy"`
}

// Config tunes the simulation
type Config struct {
	// MinLatency and MaxLatency bound the simulated processing delay.
	// Both zero disables the delay.
	MinLatency time.Duration
	MaxLatency time.Duration
	// RequireHeader rejects requests without an Authorization header
	// instead of treating them as internal invocations.
	RequireHeader bool
}

// Services serves the three simulated downstream systems behind one
// bearer check
type Services struct {
	secret  *auth.SecretCache
	config  Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New creates the services. secret may be nil, in which case any present
// Authorization header is rejected.
func New(secret *auth.SecretCache, config Config, logger *logging.Logger, m *metrics.Metrics) *Services {
	if logger == nil {
		logger = logging.Discard()
	}
	if m == nil {
		m = metrics.New()
	}
	if config.MaxLatency < config.MinLatency {
		config.MaxLatency = config.MinLatency
	}
	return &Services{
		secret:  secret,
		config:  config,
		logger:  logger.WithField("component", "services"),
		metrics: m,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Authenticate applies the optional bearer contract: no header means an
// internal invocation unless RequireHeader is set; a present header must
// equal "Bearer <secret>" exactly.
func (s *Services) Authenticate(ctx context.Context, header string) error {
	if header == "" {
		if s.config.RequireHeader {
			return unauthorized("Missing Authorization header")
		}
		s.logger.Debug("No authorization header provided, assuming internal invocation")
		return nil
	}
	if s.secret == nil {
		return unauthorized("Invalid bearer token")
	}
	secret, err := s.secret.Get(ctx)
	if err != nil {
		s.logger.Error("Failed to load service secret", logging.Fields{"error": err})
		return fmt.Errorf("failed to load service secret: %w", err)
	}
	if err := auth.CheckBearer(header, secret); err != nil {
		return unauthorized("Invalid bearer token")
	}
	return nil
}

// Invoke authenticates and dispatches req to the named service
func (s *Services) Invoke(ctx context.Context, name, authHeader string, req *Request) (interface{}, error) {
	switch name {
	case Notification, Validation, Deployment:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	resp, err := s.invoke(ctx, name, authHeader, req)
	s.metrics.ServiceRequests.WithLabelValues(name, statusLabel(err)).Inc()
	return resp, err
}

func (s *Services) invoke(ctx context.Context, name, authHeader string, req *Request) (interface{}, error) {
	if err := s.Authenticate(ctx, authHeader); err != nil {
		s.logger.Warn("Authentication failed", logging.Fields{"service": name, "error": err})
		return nil, err
	}

	switch name {
	case Notification:
		return s.Notify(ctx, req)
	case Validation:
		return s.Validate(ctx, req)
	default:
		return s.Deploy(ctx, req)
	}
}

func statusLabel(err error) string {
	var se *Error
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se) && se.Status == http.StatusUnauthorized:
		return "unauthorized"
	case errors.As(err, &se):
		return "bad_request"
	default:
		return "error"
	}
}

var notificationChannels = []string{"email", "slack", "teams"}

// Notify sends req.Message over every channel
func (s *Services) Notify(ctx context.Context, req *Request) (*NotificationResponse, error) {
	if req.CorrelationKey == "" || req.Message == "" {
		return nil, badRequest("Missing required parameters: correlationKey, message")
	}
	s.logger.Info("Sending notification", logging.Fields{"correlation_key": req.CorrelationKey, "action": req.Action})

	if err := s.simulateLatency(ctx); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	channels := make([]ChannelResult, 0, len(notificationChannels))
	for _, ch := range notificationChannels {
		channels = append(channels, ChannelResult{
			Channel:   ch,
			Status:    "sent",
			MessageID: fmt.Sprintf("msg-%d-%s", now.UnixMilli(), ch),
			SentAt:    now,
		})
	}
	return &NotificationResponse{
		Success:            true,
		CorrelationKey:     req.CorrelationKey,
		Action:             req.Action,
		Message:            req.Message,
		NotificationStatus: "SENT",
		Channels:           channels,
		TotalRecipients:    5,
		Timestamp:          now,
		SentBy:             "Mock Notification API v1.0",
	}, nil
}

// Validate checks every package. Package ids ending in 0 fail the
// security check.
func (s *Services) Validate(ctx context.Context, req *Request) (*ValidationResponse, error) {
	if req.CorrelationKey == "" || req.PackageIDs == nil || req.badPackages {
		return nil, badRequest("Missing or invalid required parameters: correlationKey, packageIds (array)")
	}
	s.logger.Info("Validating packages", logging.Fields{
		"correlation_key": req.CorrelationKey,
		"packages":        strings.Join(req.PackageIDs, ","),
	})

	if err := s.simulateLatency(ctx); err != nil {
		return nil, err
	}

	allValid := true
	results := make([]PackageCheck, 0, len(req.PackageIDs))
	for _, id := range req.PackageIDs {
		check := PackageCheck{
			PackageID:    id,
			Valid:        true,
			Reason:       "Package meets all requirements",
			ChecksPassed: []string{"syntax", "dependencies", "security"},
			ChecksFailed: []string{},
		}
		if strings.HasSuffix(id, "0") {
			check.Valid = false
			check.Reason = "Package version deprecated"
			check.ChecksPassed = []string{"syntax", "dependencies"}
			check.ChecksFailed = []string{"security"}
			allValid = false
		}
		results = append(results, check)
	}

	status := "PASSED"
	if !allValid {
		status = "FAILED"
	}
	return &ValidationResponse{
		Success:          true,
		CorrelationKey:   req.CorrelationKey,
		Action:           req.Action,
		ValidationStatus: status,
		Results:          results,
		Timestamp:        s.now().UTC(),
		ValidatedBy:      "Mock Validation API v1.0",
	}, nil
}

// Deploy deploys every package to production. Package ids ending in 5
// carry a manual verification warning.
func (s *Services) Deploy(ctx context.Context, req *Request) (*DeploymentResponse, error) {
	if req.CorrelationKey == "" || req.PackageIDs == nil || req.badPackages {
		return nil, badRequest("Missing or invalid required parameters: correlationKey, packageIds (array)")
	}
	s.logger.Info("Deploying packages", logging.Fields{
		"correlation_key": req.CorrelationKey,
		"packages":        strings.Join(req.PackageIDs, ","),
	})

	if err := s.simulateLatency(ctx); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	results := make([]PackageDeployment, 0, len(req.PackageIDs))
	for _, id := range req.PackageIDs {
		d := PackageDeployment{
			PackageID:    id,
			Status:       "deployed",
			Environment:  "production",
			DeploymentID: fmt.Sprintf("deploy-%d-%s", now.UnixMilli(), id),
			URL:          "https://production.example.com/packages/" + id,
			Warnings:     []string{},
			DeployedAt:   now,
		}
		if strings.HasSuffix(id, "5") {
			d.Warnings = []string{"Package requires manual verification"}
		}
		results = append(results, d)
	}

	return &DeploymentResponse{
		Success:               true,
		CorrelationKey:        req.CorrelationKey,
		Action:                req.Action,
		DeploymentStatus:      "COMPLETED",
		Results:               results,
		TotalPackages:         len(req.PackageIDs),
		SuccessfulDeployments: len(results),
		Timestamp:             now,
		DeployedBy:            "Mock Deployment API v1.0",
	}, nil
}

func (s *Services) simulateLatency(ctx context.Context) error {
	d := s.config.MinLatency
	if spread := s.config.MaxLatency - s.config.MinLatency; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}
	if d <= 0 {
		return nil
	}
	return s.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
