package cmd

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/taskgate/pkg/engine"
	"github.com/psantana5/taskgate/pkg/services"
)

var (
	startTTL time.Duration

	serviceKey      string
	serviceAction   string
	serviceMessage  string
	servicePackages []string
	serviceToken    string
)

var executionsCmd = &cobra.Command{
	Use:     "executions",
	Aliases: []string{"exec"},
	Short:   "Manage executions of the in-process engine",
	Long:    `Commands for the engine that "taskgate serve" runs when engine.mode is local.`,
}

var executionsStartCmd = &cobra.Command{
	Use:   "start <correlation-key>",
	Short: "Start an execution that waits for a callback",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutionsStart,
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions",
	RunE:  runExecutionsList,
}

var executionsGetCmd = &cobra.Command{
	Use:   "get <execution-ref>",
	Short: "Show an execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutionsGet,
}

var executionsCancelCmd = &cobra.Command{
	Use:   "cancel <execution-ref>",
	Short: "Cancel an execution and withdraw its suspension",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecutionsCancel,
}

var serviceCmd = &cobra.Command{
	Use:       "service <notification|validation|deployment>",
	Short:     "Invoke a simulated downstream service",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{services.Notification, services.Validation, services.Deployment},
	RunE:      runService,
}

func init() {
	rootCmd.AddCommand(executionsCmd, serviceCmd)
	executionsCmd.AddCommand(executionsStartCmd, executionsListCmd, executionsGetCmd, executionsCancelCmd)

	executionsStartCmd.Flags().DurationVar(&startTTL, "ttl", 0, "how long the execution waits before timing out")

	serviceCmd.Flags().StringVar(&serviceKey, "key", "", "correlation key (required)")
	serviceCmd.MarkFlagRequired("key")
	serviceCmd.Flags().StringVar(&serviceAction, "action", "", "action label passed through to the response")
	serviceCmd.Flags().StringVarP(&serviceMessage, "message", "m", "", "notification message")
	serviceCmd.Flags().StringSliceVar(&servicePackages, "packages", nil, "package ids for validation or deployment")
	serviceCmd.Flags().StringVar(&serviceToken, "token", "", "service bearer secret (omit for an internal invocation)")
}

func executionPath(id string) string {
	return "/api/v1/engine/executions/" + url.PathEscape(id)
}

func renderExecution(e *engine.Execution) error {
	rows := [][]string{
		{"Execution", e.ID},
		{"Correlation Key", e.CorrelationKey},
		{"Status", string(e.Status)},
		{"Started At", e.StartedAt.Format(time.RFC3339)},
	}
	if e.EndedAt != nil {
		rows = append(rows, []string{"Ended At", e.EndedAt.Format(time.RFC3339)})
	}
	if len(e.Output) > 0 {
		rows = append(rows, []string{"Output", string(e.Output)})
	}
	if e.Error != "" {
		rows = append(rows, []string{"Error", e.Error}, []string{"Cause", e.Cause})
	}
	return render(e, fieldTable(rows...))
}

func runExecutionsStart(cmd *cobra.Command, args []string) error {
	var e engine.Execution
	req := engine.StartRequest{CorrelationKey: args[0], TTLSeconds: int64(startTTL / time.Second)}
	if err := call("POST", "/api/v1/engine/executions", req, &e); err != nil {
		return err
	}
	return renderExecution(&e)
}

func runExecutionsList(cmd *cobra.Command, args []string) error {
	var list []engine.Execution
	if err := call("GET", "/api/v1/engine/executions", nil, &list); err != nil {
		return err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })

	rows := make([][]string, 0, len(list))
	for _, e := range list {
		rows = append(rows, []string{e.ID, e.CorrelationKey, string(e.Status), e.StartedAt.Format(time.RFC3339)})
	}
	return render(list, rowsTable([]string{"Execution", "Correlation Key", "Status", "Started"}, rows))
}

func runExecutionsGet(cmd *cobra.Command, args []string) error {
	var e engine.Execution
	if err := call("GET", executionPath(args[0]), nil, &e); err != nil {
		return err
	}
	return renderExecution(&e)
}

func runExecutionsCancel(cmd *cobra.Command, args []string) error {
	if err := call("POST", executionPath(args[0])+"/cancel", nil, nil); err != nil {
		return err
	}
	return runExecutionsGet(cmd, args)
}

func runService(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"correlationKey": serviceKey,
		"action":         serviceAction,
	}
	if serviceMessage != "" {
		body["message"] = serviceMessage
	}
	if servicePackages != nil {
		body["packageIds"] = servicePackages
	}

	// The service bearer replaces the API key on this route.
	saved := apiKey
	apiKey = serviceToken
	defer func() { apiKey = saved }()

	var resp map[string]interface{}
	if err := call("POST", "/api/v1/services/"+url.PathEscape(args[0]), body, &resp); err != nil {
		return err
	}

	keys := make([]string, 0, len(resp))
	for k := range resp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, summarize(resp[k])})
	}
	return render(resp, fieldTable(rows...))
}

func summarize(v interface{}) string {
	if items, ok := v.([]interface{}); ok {
		return fmt.Sprintf("%d item(s)", len(items))
	}
	return fmt.Sprint(v)
}
