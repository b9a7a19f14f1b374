package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrAlreadyWritten is returned when an object key already holds data.
// Objects are write-once.
var ErrAlreadyWritten = errors.New("result object already written")

// Success describes a completed execution
type Success struct {
	ExecutionID     string
	CorrelationKey  string
	StartTime       time.Time
	CompletedAt     time.Time
	CallbackMessage string
	// Result is stored as the result document. Raw JSON is kept verbatim.
	Result interface{}
}

// Locations names the objects written for one execution
type Locations struct {
	Result string `json:"resultLocation,omitempty"`
	Log    string `json:"logLocation,omitempty"`
	Error  string `json:"errorLocation,omitempty"`
}

// Sink stores terminal execution documents keyed by execution id
type Sink interface {
	WriteSuccess(ctx context.Context, s Success) (*Locations, error)
	WriteError(ctx context.Context, executionID string, details interface{}) (*Locations, error)
}

// ResultKey is the object key of an execution's result document
func ResultKey(executionID string) string {
	return path.Join("outputs", executionID, "result.json")
}

// LogKey is the object key of an execution's human-readable log
func LogKey(executionID string) string {
	return path.Join("logs", executionID, "execution.log")
}

// ErrorKey is the object key of an execution's error document
func ErrorKey(executionID string) string {
	if executionID == "" {
		executionID = "unknown"
	}
	return path.Join("logs", executionID, "error.json")
}

// FileSink writes objects as files under a root directory
type FileSink struct {
	root string
}

// NewFileSink creates the root directory if needed
func NewFileSink(root string) (*FileSink, error) {
	if root == "" {
		return nil, fmt.Errorf("results directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create results directory %s: %w", root, err)
	}
	return &FileSink{root: root}, nil
}

// Root returns the directory objects are written under
func (s *FileSink) Root() string {
	return s.root
}

// WriteSuccess stores the result document and the execution log
func (s *FileSink) WriteSuccess(ctx context.Context, rec Success) (*Locations, error) {
	if err := validID(rec.ExecutionID); err != nil {
		return nil, err
	}

	var body []byte
	var err error
	switch v := rec.Result.(type) {
	case json.RawMessage:
		body, err = indentRaw(v)
	case []byte:
		body, err = indentRaw(v)
	default:
		body, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	resultKey := ResultKey(rec.ExecutionID)
	if err := s.put(ctx, resultKey, body); err != nil {
		return nil, err
	}

	logKey := LogKey(rec.ExecutionID)
	if err := s.put(ctx, logKey, []byte(executionLog(rec))); err != nil {
		return nil, err
	}

	return &Locations{Result: s.location(resultKey), Log: s.location(logKey)}, nil
}

// WriteError stores the error document. An empty id goes under "unknown".
func (s *FileSink) WriteError(ctx context.Context, executionID string, details interface{}) (*Locations, error) {
	if executionID != "" {
		if err := validID(executionID); err != nil {
			return nil, err
		}
	}
	body, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode error details: %w", err)
	}

	key := ErrorKey(executionID)
	if err := s.put(ctx, key, body); err != nil {
		return nil, err
	}
	return &Locations{Error: s.location(key)}, nil
}

// Read returns the object stored under key
func (s *FileSink) Read(key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
}

func (s *FileSink) location(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(s.root, filepath.FromSlash(key)))
}

// put creates the object exclusively so a second write never replaces it
func (s *FileSink) put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", key, ErrAlreadyWritten)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(full)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return f.Close()
}

func validID(id string) error {
	if id == "" {
		return fmt.Errorf("execution id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid execution id %q", id)
	}
	return nil
}

func indentRaw(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.MarshalIndent(v, "", "  ")
}

func executionLog(rec Success) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution ID: %s\n", rec.ExecutionID)
	fmt.Fprintf(&b, "Correlation Key: %s\n", rec.CorrelationKey)
	fmt.Fprintf(&b, "Start Time: %s\n", rec.StartTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Completed At: %s\n", rec.CompletedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Status: SUCCESS\n")
	fmt.Fprintf(&b, "Callback Message: %s\n", rec.CallbackMessage)
	return b.String()
}
