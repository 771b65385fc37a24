// replayctl - CLI tool for ebreplay
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chronos/ebreplay/internal/archive"
	"github.com/chronos/ebreplay/internal/awsclient"
	"github.com/chronos/ebreplay/internal/config"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	serverURL  string
	apiKey     string
	output     string
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "replayctl",
		Short:         "ebreplay CLI - Drive and inspect paced archive replays",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("REPLAYCTL_SERVER", "http://localhost:8080"), "replayd server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("REPLAYCTL_API_KEY"), "API key sent as X-API-Key")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json, yaml)")

	rootCmd.AddCommand(executionsCmd(), submitCmd(), archiveCmd(), seedCmd(), statsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Execution commands

func executionsCmd() *cobra.Command {
	execCmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"execution", "exec"},
		Short:   "Inspect and control replay executions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE:  listExecutions,
	}
	listCmd.Flags().String("state", "", "Only executions in this state")
	listCmd.Flags().String("replay", "", "Only executions of this replay")
	listCmd.Flags().Int("limit", 0, "Maximum number of executions")

	waitCmd := &cobra.Command{
		Use:   "wait [execution-id]",
		Short: "Wait for an execution to finish",
		Args:  cobra.ExactArgs(1),
		RunE:  waitExecution,
	}
	waitCmd.Flags().Duration("timeout", 30*time.Second, "How long the server waits before returning")

	execCmd.AddCommand(
		listCmd,
		&cobra.Command{
			Use:   "get [execution-id]",
			Short: "Get execution details",
			Args:  cobra.ExactArgs(1),
			RunE:  getExecution,
		},
		&cobra.Command{
			Use:   "cancel [execution-id]",
			Short: "Cancel an execution that has not started publishing",
			Args:  cobra.ExactArgs(1),
			RunE:  cancelExecution,
		},
		waitCmd,
	)
	return execCmd
}

func listExecutions(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	if s, _ := cmd.Flags().GetString("state"); s != "" {
		query.Set("state", s)
	}
	if r, _ := cmd.Flags().GetString("replay"); r != "" {
		query.Set("replay", r)
	}
	if l, _ := cmd.Flags().GetInt("limit"); l > 0 {
		query.Set("limit", strconv.Itoa(l))
	}

	path := "/api/v1/executions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	result, err := apiRequest("GET", path, nil)
	if err != nil {
		return err
	}

	data := result["data"].(map[string]interface{})
	executions, _ := data["executions"].([]interface{})

	if output == "table" {
		fmt.Printf("Total: %d executions\n\n", len(executions))
		printExecutionsTable(executions)
	} else {
		printOutput(executions)
	}
	return nil
}

func getExecution(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("GET", "/api/v1/executions/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	printExecution(result["data"])
	return nil
}

func cancelExecution(cmd *cobra.Command, args []string) error {
	result, err := apiRequest("POST", "/api/v1/executions/"+url.PathEscape(args[0])+"/cancel", nil)
	if err != nil {
		return err
	}

	exec := result["data"].(map[string]interface{})
	if output == "table" {
		fmt.Printf("Execution %s: %s\n", exec["id"], exec["state"])
		return nil
	}
	printOutput(exec)
	return nil
}

func waitExecution(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	path := fmt.Sprintf("/api/v1/executions/%s/wait?timeout=%s", url.PathEscape(args[0]), timeout)

	result, err := apiRequestTimeout("GET", path, nil, timeout+10*time.Second)
	if err != nil {
		return err
	}
	printExecution(result["data"])
	return nil
}

// Submit command

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit -f [file]",
		Short: "Submit a replayed event (envelope or rule input) for paced re-publishing",
		RunE:  submitReplay,
	}
	cmd.Flags().StringP("file", "f", "", "Trigger file (JSON, - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func submitReplay(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")

	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = readAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	result, err := apiRequestRaw("POST", "/api/v1/replays", data, defaultTimeout)
	if err != nil {
		return err
	}

	exec := result["data"].(map[string]interface{})
	if output == "table" {
		fmt.Printf("Replay submitted: execution %s (%s)\n", exec["id"], exec["state"])
		return nil
	}
	printOutput(exec)
	return nil
}

// Stats command

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show orchestrator counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := apiRequest("GET", "/api/v1/stats", nil)
			if err != nil {
				return err
			}
			data := result["data"]
			if output != "table" {
				printOutput(data)
				return nil
			}
			stats := data.(map[string]interface{})
			for _, k := range []string{"submitted", "resumed", "succeeded", "failed", "cancelled", "active"} {
				fmt.Printf("%-10s %.0f\n", strings.ToUpper(k[:1])+k[1:]+":", stats[k])
			}
			return nil
		},
	}
}

// AWS commands

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func archiveCmd() *cobra.Command {
	archCmd := &cobra.Command{
		Use:   "archive",
		Short: "Drive EventBridge archive replays",
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Point the replay rule at its target, replay the archive window and wait for completion",
		RunE:  runArchiveReplay,
	}
	replayCmd.Flags().StringVarP(&configPath, "config", "c", "", "replayd configuration file (aws and archive sections)")
	replayCmd.Flags().Duration("window", 0, "Replay window ending now (default from config)")
	replayCmd.Flags().Bool("no-wait", false, "Return once the replay has started")

	archCmd.AddCommand(replayCmd)
	return archCmd
}

func runArchiveReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if w, _ := cmd.Flags().GetDuration("window"); w > 0 {
		cfg.Archive.Window = w
	}
	if err := cfg.Archive.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	clients, err := awsclient.New(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	logger := cliLogger()
	replayer := archive.NewReplayer(clients.EventBridge, cfg.Archive, nil, logger)

	var replay *archive.Replay
	if noWait, _ := cmd.Flags().GetBool("no-wait"); noWait {
		end := time.Now().UTC()
		start := end.Add(-cfg.Archive.Window)
		if err := replayer.UpsertRuleTarget(ctx, start, end); err != nil {
			return err
		}
		replay, err = replayer.Start(ctx, archive.ReplayName(end), start, end)
	} else {
		replay, err = replayer.Run(ctx)
	}
	if replay != nil {
		if output == "table" {
			fmt.Printf("Replay:  %s\n", replay.Name)
			fmt.Printf("ARN:     %s\n", replay.ARN)
			fmt.Printf("State:   %s\n", replay.State)
			fmt.Printf("Window:  %s - %s\n", replay.WindowStart.Format(time.RFC3339), replay.WindowEnd.Format(time.RFC3339))
		} else {
			printOutput(replay)
		}
	}
	return err
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Put test events on the bus so the archive has something to replay",
		RunE:  runSeed,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "replayd configuration file (aws section)")
	cmd.Flags().IntP("count", "n", 10, "Number of events")
	cmd.Flags().String("bus", "", "Event bus name or ARN (default: archive.event_bus_arn, then publisher.bus)")
	return cmd
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bus, _ := cmd.Flags().GetString("bus")
	if bus == "" {
		bus = cfg.Archive.EventBusARN
	}
	if bus == "" {
		bus = cfg.Publisher.Bus
	}
	count, _ := cmd.Flags().GetInt("count")
	if count <= 0 {
		return fmt.Errorf("count must be positive")
	}

	ctx, cancel := signalContext()
	defer cancel()

	clients, err := awsclient.New(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	sent, err := archive.SeedEvents(ctx, clients.EventBridge, bus, count, nil)
	fmt.Printf("Sent %d of %d events to %s\n", sent, count, bus)
	return err
}

func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
}
