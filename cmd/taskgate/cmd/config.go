package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/taskgate/pkg/auth"
	"github.com/psantana5/taskgate/pkg/config"
	tlsutil "github.com/psantana5/taskgate/pkg/tls"
)

var (
	certOut   string
	keyOut    string
	certHosts []string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
	Long:  `Commands for inspecting the effective configuration and preparing credentials.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and TASKGATE_*
environment variables are merged. Secrets are masked.`,
	RunE: runConfigShow,
}

var configHashKeyCmd = &cobra.Command{
	Use:   "hash-key <api-key>",
	Short: "Print the bcrypt hash to use as server.api_key_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed certificate for development",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tlsutil.GenerateSelfSignedCert(certOut, keyOut, "taskgate", certHosts...); err != nil {
			return err
		}
		fmt.Printf("Certificate written to %s\nKey written to %s\n", certOut, keyOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configHashKeyCmd, configGenCertCmd)

	configGenCertCmd.Flags().StringVar(&certOut, "cert", "certs/taskgate.crt", "certificate output path")
	configGenCertCmd.Flags().StringVar(&keyOut, "key", "certs/taskgate.key", "key output path")
	configGenCertCmd.Flags().StringSliceVar(&certHosts, "hosts", nil, "extra IP addresses or hostnames for the certificate SANs")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg.Server.APIKey = mask(cfg.Server.APIKey)
	cfg.Store.DSN = mask(cfg.Store.DSN)
	cfg.Store.Redis.Password = mask(cfg.Store.Redis.Password)
	cfg.Engine.Token = mask(cfg.Engine.Token)

	return render(cfg, fieldTable(
		[]string{"server.addr", cfg.Server.Addr},
		[]string{"server.tls.enabled", fmt.Sprint(cfg.Server.TLS.Enabled)},
		[]string{"server.api_key", cfg.Server.APIKey},
		[]string{"store.type", cfg.Store.Type},
		[]string{"store.dsn", cfg.Store.DSN},
		[]string{"suspension.default_ttl", cfg.Suspension.DefaultTTL.String()},
		[]string{"suspension.claim_lease", cfg.Suspension.ClaimLease.String()},
		[]string{"reclaim.enabled", fmt.Sprint(cfg.Reclaim.Enabled)},
		[]string{"reclaim.interval", cfg.Reclaim.Interval.String()},
		[]string{"engine.mode", cfg.Engine.Mode},
		[]string{"engine.url", cfg.Engine.URL},
		[]string{"auth.secret.source", cfg.Auth.Secret.Source},
		[]string{"auth.require_header", fmt.Sprint(cfg.Auth.RequireHeader)},
		[]string{"services.enabled", fmt.Sprint(cfg.Services.Enabled)},
		[]string{"results.dir", cfg.Results.Dir},
		[]string{"logging.level", cfg.Logging.Level},
		[]string{"tracing.enabled", fmt.Sprint(cfg.Tracing.Enabled)},
	))
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", 6)
}
