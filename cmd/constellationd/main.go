// Command constellationd is the process boundary for the Constellation
// Orchestration Core: it wires configuration, the device registry and
// its transport, the event bus, and a planner LLM client into a
// session.Session, then drives either a single batch round
// (--request) or an interactive prompt loop (--interactive), per
// spec.md §6 "CLI surface". Grounded on the teacher's
// core/cmd/example/main.go bootstrap shape.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/novaforge/constellation/config"
	"github.com/novaforge/constellation/constellation"
	"github.com/novaforge/constellation/core"
	"github.com/novaforge/constellation/device"
	"github.com/novaforge/constellation/eventbus"
	"github.com/novaforge/constellation/planner"
	"github.com/novaforge/constellation/session"
	"github.com/novaforge/constellation/telemetry"
)

// Exit codes (spec.md §6 "CLI surface").
const (
	exitCompleted      = 0
	exitFailed         = 1
	exitBudgetExceeded = 2
	exitTransportError = 3
)

func main() {
	os.Exit(run())
}

// run wires the process and drives the requested mode to completion,
// returning the process exit code. Kept separate from main so every
// deferred cleanup (device listener, telemetry, execution log) runs
// before the process exits, which os.Exit itself would skip.
func run() int {
	interactive := flag.Bool("interactive", false, "open an interactive prompt loop over a session")
	request := flag.String("request", "", "single-round batch execution")
	devicesFile := flag.String("devices-file", "", "path to a YAML file with a registry.devices[] bootstrap list")
	artifactsDir := flag.String("artifacts-dir", "./artifacts", "directory persisted execution logs and summaries are written to")
	flag.Parse()

	if !*interactive && *request == "" {
		fmt.Fprintln(os.Stderr, "one of --interactive or --request <text> is required")
		return exitFailed
	}

	var opts []config.Option
	if *devicesFile != "" {
		opts = append(opts, config.WithDevicesFile(*devicesFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitFailed
	}

	logger := core.NewProductionLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetryProvider, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		logger.Error("telemetry init failed, continuing without it", map[string]interface{}{"error": err.Error()})
	} else {
		defer func() {
			if err := telemetryProvider.Shutdown(context.Background()); err != nil {
				logger.Warn("telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	bus := eventbus.New(1024)
	bus.SetLogger(logger)

	transport := device.NewWebSocketTransport(cfg.Transport.MaxFrameBytes)
	transport.SetLogger(logger)

	registry := device.NewRegistry(cfg.Transport.HeartbeatGrace, transport)
	registry.SetLogger(logger)
	registry.SetEventSink(eventbus.NewPublisher(bus))
	transport.AttachRegistry(registry)

	for _, d := range cfg.Registry.Devices {
		if !d.AutoConnect {
			continue
		}
		if _, err := registry.Register(d.DeviceID, "unknown", d.Capabilities, d.Metadata); err != nil {
			logger.Warn("failed to pre-register device", map[string]interface{}{"device_id": d.DeviceID, "error": err.Error()})
		}
	}

	go registry.MonitorHeartbeats(ctx, cfg.Transport.HeartbeatInterval)

	mux := http.NewServeMux()
	mux.Handle("/devices/connect", transport.Handler())
	server := &http.Server{Addr: cfg.Transport.ListenAddress, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("device listener stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	defer func() {
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Warn("device listener shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	llm := newLLMClient(logger)

	roundCfg := session.DefaultRoundConfig()
	roundCfg.WallClock = cfg.Scheduler.RoundWallClock
	roundCfg.DispatchTimeout = cfg.Scheduler.TaskTimeout
	roundCfg.Retry.MaxAttempts = cfg.Retry.DefaultMaxRetries + 1
	roundCfg.Retry.InitialDelay = cfg.Retry.BackoffInitial
	roundCfg.Retry.MaxDelay = cfg.Retry.BackoffMax
	roundCfg.Planner.MaxTurnsPerRound = cfg.Scheduler.MaxPlannerTurnsPerRound

	sess := session.New(cfg.Name, registry, transport, bus, llm, roundCfg)
	sess.SetLogger(logger)
	if telemetryProvider != nil {
		sess.SetTelemetry(telemetryProvider)
	}

	if err := os.MkdirAll(*artifactsDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create artifacts dir: %v\n", err)
		return exitFailed
	}
	logWriter, err := openExecutionLog(*artifactsDir, sess.ID())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open execution log: %v\n", err)
		return exitFailed
	}
	execLog := session.NewExecutionLogWriter(bus, logWriter)
	defer func() {
		if err := execLog.Close(); err != nil {
			logger.Warn("execution log close failed", map[string]interface{}{"error": err.Error()})
		}
		if err := logWriter.Close(); err != nil {
			logger.Warn("execution log file close failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	if *request != "" {
		result := sess.ProcessRequest(ctx, *request)
		if err := persistSummary(*artifactsDir, sess, result); err != nil {
			logger.Error("failed to persist summary", map[string]interface{}{"error": err.Error()})
		}
		return exitCodeFor(result, sess)
	}

	runInteractive(ctx, sess, *artifactsDir)
	return exitCompleted
}

func newLLMClient(logger core.Logger) planner.LLMClient {
	apiKey := os.Getenv("CONSTELLATION_LLM_API_KEY")
	baseURL := os.Getenv("CONSTELLATION_LLM_BASE_URL")
	client := planner.NewOpenAIClient(apiKey, baseURL)
	client.SetLogger(logger)
	return client
}

func openExecutionLog(dir, sessionID string) (*os.File, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s.jsonl", sessionID))
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func persistSummary(dir string, sess *session.Session, result *session.RoundResult) error {
	summary := session.BuildSummary(sess, result)
	path := filepath.Join(dir, fmt.Sprintf("%s-summary.json", result.RoundID))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return session.WriteSummary(f, summary)
}

// exitCodeFor maps a terminal round onto spec.md §6's exit codes.
// Transport failure (code 3) is detected by scanning the final
// constellation for a FAILED task whose error text originated from a
// transport-classified executor failure; RoundResult itself does not
// carry a structured transport/non-transport distinction since the
// orchestrator already folds transport retries into ordinary task
// failure before a round ever sees them.
func exitCodeFor(result *session.RoundResult, sess *session.Session) int {
	switch result.Status {
	case session.RoundCompleted:
		return exitCompleted
	case session.RoundBudgetExhausted:
		return exitBudgetExceeded
	}

	round := sess.CurrentRound()
	if round != nil {
		for _, t := range round.Graph().Tasks() {
			if t.Status == constellation.StatusFailed && strings.Contains(t.Error, "transport error") {
				return exitTransportError
			}
		}
	}
	return exitFailed
}

// runInteractive reads one request per line from stdin until EOF or
// ctx is cancelled, printing each round's terminal status.
func runInteractive(ctx context.Context, sess *session.Session, artifactsDir string) {
	fmt.Println("constellationd interactive session. One request per line, Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		roundCtx, cancel := context.WithCancel(ctx)
		result := sess.ProcessRequest(roundCtx, line)
		cancel()

		fmt.Printf("round %s: %s (%.2fs)\n", result.RoundID, result.Status, result.ExecutionTime())
		if result.Error != "" {
			fmt.Printf("  error: %s\n", result.Error)
		}
		if err := persistSummary(artifactsDir, sess, result); err != nil {
			fmt.Fprintf(os.Stderr, "persist summary: %v\n", err)
		}

		if ctx.Err() != nil {
			break
		}
	}
}
