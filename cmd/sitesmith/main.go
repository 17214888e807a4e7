// Command sitesmith is a headless client for interactive website generation.
// It binds a project session to the backend and exposes a small REPL: plain
// input submits a generation request, slash commands drive everything else.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/sitesmith/pkg/api"
	"github.com/odvcencio/sitesmith/pkg/bus"
	"github.com/odvcencio/sitesmith/pkg/config"
	"github.com/odvcencio/sitesmith/pkg/conversation"
	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
	"github.com/odvcencio/sitesmith/pkg/generation"
	"github.com/odvcencio/sitesmith/pkg/logging"
	"github.com/odvcencio/sitesmith/pkg/session"
	"github.com/odvcencio/sitesmith/pkg/storage"
	"github.com/odvcencio/sitesmith/pkg/suggest"
	"github.com/odvcencio/sitesmith/pkg/telemetry"
	"github.com/odvcencio/sitesmith/pkg/transport"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (YAML)")
		projectID   = flag.String("project", "", "project id to bind the session to")
		projectName = flag.String("name", "", "human-readable project name (used for log naming)")
	)
	flag.Parse()

	if *projectID == "" {
		fmt.Fprintln(os.Stderr, "sitesmith: -project is required")
		os.Exit(2)
	}
	name := *projectName
	if name == "" {
		name = *projectID
	}

	if err := run(*configPath, *projectID, name); err != nil {
		fmt.Fprintf(os.Stderr, "sitesmith: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, projectID, projectName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := session.GenerateID(projectName)
	logger, err := logging.NewLogger(cfg.Logging.Dir, sessionID)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(strings.ToLower(cfg.Logging.Level)))
	logger.SetProjectID(projectID)

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)
	if cfg.Metrics.Enabled {
		debugSrv := telemetry.NewServer(cfg.Metrics.Bind, registry)
		go func() {
			if err := debugSrv.Start(); err != nil {
				_ = logger.Warn(logging.CategorySession, "metrics_server_stopped", err.Error(), nil)
			}
		}()
		defer debugSrv.Shutdown(context.Background())
	}

	msgBus := bus.NewMemoryBus()
	defer msgBus.Close()

	conv := conversation.New(projectID).
		WithPersistence(store).
		WithLogger(logger)

	policy := transport.BackoffPolicy{
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Reconnect.BaseDelay(),
		MaxDelay:    cfg.Reconnect.MaxDelay(),
		Multiplier:  cfg.Reconnect.Multiplier,
	}
	channel := transport.New(cfg.Backend.WebSocketURL, transport.WebSocketDialer(), policy, logger)

	prev := channel.State()
	channel.OnStateChange(func(state transport.State) {
		if prev == transport.StateReconnecting && state == transport.StateOpen {
			metrics.Reconnected()
		}
		prev = state
		fmt.Printf("\n[connection: %s]\n", state)
	})

	if err := channel.Connect(ctx); err != nil {
		return err
	}

	ctrl := generation.New(channel, conv, cfg.Generation.ProgressTimeout()).
		WithLogger(logger).
		WithBus(msgBus).
		WithMetrics(metrics).
		WithListener(printJobState)

	apiClient := api.NewClient(cfg.Backend.HTTPBaseURL, cfg.Backend.APIKey)
	engine := suggest.New(apiClient, projectID, printSuggestions, suggest.Options{
		Debounce:          cfg.Suggest.Debounce(),
		MinChars:          cfg.Suggest.MinChars,
		Limit:             cfg.Suggest.Limit,
		RequestsPerMinute: cfg.Suggest.PerMinute,
	}).WithLogger(logger).WithMetrics(metrics)

	coord, err := session.New(projectID, sessionID, session.Deps{
		Transport:    channel,
		Conversation: conv,
		Controller:   ctrl,
		Suggestions:  engine,
		History:      apiClient,
		Logger:       logger,
		Bus:          msgBus,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	if err := coord.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("session %s — project %s (%d messages)\n", sessionID, projectID, len(coord.Messages()))
	fmt.Println("type a request, or /help for commands")

	return repl(ctx, coord)
}

func repl(ctx context.Context, coord *session.Coordinator) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println("\nshutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(coord, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

func handleLine(coord *session.Coordinator, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		submit(coord.SendMessage(line))
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		printHelp()
	case "/refine":
		submit(coord.Refine(rest))
	case "/template":
		ref, text, _ := strings.Cut(rest, " ")
		submit(coord.GenerateFromTemplate(ref, strings.TrimSpace(text)))
	case "/retry":
		id := rest
		if id == "" {
			id = lastFailedRequestID(coord)
		}
		if id == "" {
			fmt.Println("nothing to retry")
			break
		}
		submit(coord.Retry(id))
	case "/cancel":
		report(coord.CancelActiveJob())
	case "/rate":
		id, dir, _ := strings.Cut(rest, " ")
		rating := conversation.RatingPositive
		if strings.TrimSpace(dir) == "down" {
			rating = conversation.RatingNegative
		}
		report(coord.Rate(id, rating))
	case "/clear":
		report(coord.ClearConversation())
	case "/export":
		format := conversation.ExportMarkdown
		if rest == "json" {
			format = conversation.ExportJSON
		}
		data, err := coord.ExportConversation(conversation.ExportOptions{Format: format, IncludeArtifacts: true, IncludeMetadata: true})
		if err != nil {
			report(err)
			break
		}
		fmt.Println(string(data))
	case "/history":
		for _, msg := range coord.Messages() {
			marker := ""
			if msg.FromCache {
				marker = " (cached)"
			}
			fmt.Printf("[%s] %s %s: %s%s\n", msg.Status, msg.ID, msg.Role, firstLine(msg.Content), marker)
		}
	case "/suggest":
		coord.Suggest(rest)
	case "/status":
		fmt.Printf("connection: %s, job: %s", coord.ConnectionState(), coord.JobState())
		if snap, ok := coord.ActiveJob(); ok {
			fmt.Printf(" (%s %d%%, elapsed %s", snap.Stage, snap.Percent, snap.Elapsed().Round(time.Second))
			if eta, ok := snap.ETA(); ok {
				fmt.Printf(", eta %s", eta.Round(time.Second))
			}
			fmt.Print(")")
		}
		fmt.Println()
	default:
		fmt.Printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

func submit(snap generation.Snapshot, err error) {
	if err != nil {
		report(err)
		return
	}
	fmt.Printf("submitted (request %s)\n", snap.RequestID)
}

func report(err error) {
	if err == nil {
		fmt.Println("ok")
		return
	}
	var smithErr *smitherrors.Error
	if errors.As(err, &smithErr) && smithErr.UserMessage != "" {
		fmt.Println(smithErr.UserMessage)
		return
	}
	fmt.Printf("error: %v\n", err)
}

func printJobState(state generation.State, snap generation.Snapshot) {
	switch state {
	case generation.StateIdle, generation.StateSubmitting:
	case generation.StateCompleted:
		fmt.Println("\ngeneration complete")
	case generation.StateFailed:
		fmt.Println("\ngeneration failed")
	case generation.StateCancelled:
		fmt.Println("\ngeneration cancelled")
	default:
		fmt.Printf("\r%-12s %3d%%", snap.Stage, snap.Percent)
	}
}

func printSuggestions(_ string, suggestions []string) {
	if len(suggestions) == 0 {
		return
	}
	fmt.Println("\nsuggestions:")
	for _, s := range suggestions {
		fmt.Printf("  - %s\n", s)
	}
}

func printHelp() {
	fmt.Print(`commands:
  <text>                submit a generation request
  /refine <text>        refine the latest generated site
  /template <ref> <txt> generate from a template
  /retry [id]           retry a failed request (latest when omitted)
  /cancel               cancel the active generation
  /rate <id> up|down    rate a completed response
  /suggest <draft>      fetch prompt suggestions for a draft
  /history              show the conversation timeline
  /status               show connection and job state
  /export [json]        export the conversation
  /clear                clear the conversation
  /quit                 exit
`)
}

// lastFailedRequestID finds the most recent failed user message, so /retry
// without an argument targets the obvious candidate.
func lastFailedRequestID(coord *session.Coordinator) string {
	messages := coord.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == conversation.RoleUser && messages[i].Status == conversation.StatusFailed {
			return messages[i].ID
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "…"
	}
	return s
}
