package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// apiError is the error body every coordinator route returns
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// call sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses become errors carrying the server's message.
func call(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := newRequest(method, path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	hc, err := httpClient()
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e apiError
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg := e.Error
			if e.Message != "" {
				msg += ": " + e.Message
			}
			if e.Details != "" {
				msg += " (" + e.Details + ")"
			}
			return fmt.Errorf("%s (status %d)", msg, resp.StatusCode)
		}
		return fmt.Errorf("coordinator returned status %d: %s", resp.StatusCode, string(data))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// render prints v in the selected format. table fills a Field/Value table
// for the default format.
func render(v interface{}, table func(t *tablewriter.Table)) error {
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(v)
	case "table", "":
		t := tablewriter.NewWriter(os.Stdout)
		table(t)
		return t.Render()
	default:
		return fmt.Errorf("unsupported output format %q", outputFormat)
	}
}

// rowsTable fills a table with headers and rows
func rowsTable(headers []string, rows [][]string) func(*tablewriter.Table) {
	return func(t *tablewriter.Table) {
		t.Header(cells(headers)...)
		for _, row := range rows {
			t.Append(cells(row)...)
		}
	}
}

// fieldTable is a two-column Field/Value table
func fieldTable(rows ...[]string) func(*tablewriter.Table) {
	return rowsTable([]string{"Field", "Value"}, rows)
}

func cells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
