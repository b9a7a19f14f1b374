package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/taskgate/pkg/config"
	tlsutil "github.com/psantana5/taskgate/pkg/tls"
)

// Version is stamped at build time
var Version = "dev"

var (
	cfgFile      string
	serverURL    string
	outputFormat string
	apiKey       string
	caFile       string

	v = config.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "taskgate",
	Short: "Task token coordinator for suspended workflow executions",
	Long: `taskgate records workflow executions that are waiting on an outside actor
and resumes each of them exactly once when the actor calls back.

Run "taskgate serve" to start the coordinator; the other commands talk to a
running coordinator over HTTP.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.taskgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "coordinator URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "coordinator API key (default from server.api_key)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate for a TLS coordinator")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	path := cfgFile
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".taskgate", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	if err := config.ReadFile(v, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	v.SetDefault("client.url", "http://localhost:8080")

	if serverURL == "" {
		serverURL = v.GetString("client.url")
	}
	if apiKey == "" {
		apiKey = v.GetString("server.api_key")
	}
}

// coordinatorURL returns the configured coordinator URL with trailing slashes removed
func coordinatorURL() string {
	return strings.TrimRight(serverURL, "/")
}

func httpClient() (*http.Client, error) {
	hc := &http.Client{Timeout: 30 * time.Second}
	if caFile == "" {
		return hc, nil
	}
	tc, err := tlsutil.ClientConfig("", "", caFile)
	if err != nil {
		return nil, err
	}
	hc.Transport = &http.Transport{TLSClientConfig: tc}
	return hc, nil
}

// newRequest creates an HTTP request with the API key attached when one is configured
func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, coordinatorURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return req, nil
}
