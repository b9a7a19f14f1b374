package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/taskgate/pkg/models"
	"github.com/psantana5/taskgate/pkg/store"
)

var (
	suspendHandle       string
	suspendExecutionRef string
	suspendTTL          time.Duration

	callbackDetail string
	callbackStatus string
)

var suspendCmd = &cobra.Command{
	Use:   "suspend <correlation-key>",
	Short: "Register a suspension",
	Long: `Register a suspended execution under a correlation key. This is what an
orchestration engine does when a step waits on an outside actor; the command
is mainly useful for testing a deployment.`,
	Args: cobra.ExactArgs(1),
	RunE: runSuspend,
}

var callbackCmd = &cobra.Command{
	Use:   "callback <correlation-key>",
	Short: "Report that the gated step is finished",
	Long: `Resolve the suspension for a correlation key. A missing status, "success" or
"done" resumes the execution successfully; any other status fails it with the
detail as the cause.`,
	Args: cobra.ExactArgs(1),
	RunE: runCallback,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <correlation-key>",
	Short: "Withdraw a suspension",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var getCmd = &cobra.Command{
	Use:   "get <correlation-key>",
	Short: "Show a live suspension",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store occupancy",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(suspendCmd, callbackCmd, cancelCmd, getCmd, statsCmd)

	suspendCmd.Flags().StringVar(&suspendHandle, "handle", "", "resumption handle issued by the engine (required)")
	suspendCmd.Flags().StringVar(&suspendExecutionRef, "execution-ref", "", "execution reference")
	suspendCmd.Flags().DurationVar(&suspendTTL, "ttl", 0, "resolution window (default from suspension.default_ttl)")
	suspendCmd.MarkFlagRequired("handle")

	callbackCmd.Flags().StringVarP(&callbackDetail, "detail", "m", "", "completion message or failure cause (required)")
	callbackCmd.Flags().StringVar(&callbackStatus, "status", "", "reported status, e.g. done or failed")
	callbackCmd.MarkFlagRequired("detail")
}

func suspensionPath(key string) string {
	return "/api/v1/suspensions/" + url.PathEscape(key)
}

func renderSuspension(view *models.SuspensionView) error {
	return render(view, fieldTable(
		[]string{"Correlation Key", view.CorrelationKey},
		[]string{"Execution", view.ExecutionRef},
		[]string{"Handle", view.Handle},
		[]string{"Created At", view.CreatedAt.Format(time.RFC3339)},
		[]string{"Expires At", view.ExpiresAt.Format(time.RFC3339)},
		[]string{"Claimed", strconv.FormatBool(view.Claimed)},
	))
}

func runSuspend(cmd *cobra.Command, args []string) error {
	req := models.SuspendRequest{
		CorrelationKey:   args[0],
		ResumptionHandle: suspendHandle,
		ExecutionRef:     suspendExecutionRef,
		TTLSeconds:       int64(suspendTTL / time.Second),
	}
	var view models.SuspensionView
	if err := call("POST", "/api/v1/suspensions", req, &view); err != nil {
		return err
	}
	return renderSuspension(&view)
}

func runCallback(cmd *cobra.Command, args []string) error {
	req := models.CallbackRequest{
		CorrelationKey: args[0],
		Detail:         callbackDetail,
		Status:         callbackStatus,
	}
	var res models.Resolution
	if err := call("POST", "/api/v1/callback", req, &res); err != nil {
		return err
	}
	return render(res, fieldTable(
		[]string{"Correlation Key", res.CorrelationKey},
		[]string{"Execution", res.ExecutionRef},
		[]string{"Outcome", string(res.Status)},
		[]string{"Resolved At", res.ResolvedAt.Format(time.RFC3339)},
		[]string{"Message", res.Message},
	))
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := call("DELETE", suspensionPath(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Printf("Suspension %s withdrawn\n", args[0])
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	var view models.SuspensionView
	if err := call("GET", suspensionPath(args[0]), nil, &view); err != nil {
		return err
	}
	return renderSuspension(&view)
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats store.Stats
	if err := call("GET", "/api/v1/stats", nil, &stats); err != nil {
		return err
	}
	return render(stats, rowsTable(
		[]string{"Live", "Expired", "Claimed"},
		[][]string{{strconv.Itoa(stats.Live), strconv.Itoa(stats.Expired), strconv.Itoa(stats.Claimed)}},
	))
}
