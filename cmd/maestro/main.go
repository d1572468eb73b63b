// Command maestro runs the multi-agent LLM orchestration engine.
//
// Usage:
//
//	maestro serve --config config.yaml
//	maestro ask builder "Build a FastAPI JWT auth endpoint"
//	maestro chain "Build a FastAPI JWT auth endpoint"
//	maestro memory search "jwt"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/brdfb/maestro/pkg/chain"
	"github.com/brdfb/maestro/pkg/compress"
	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/connector"
	"github.com/brdfb/maestro/pkg/embedding"
	"github.com/brdfb/maestro/pkg/logger"
	"github.com/brdfb/maestro/pkg/memory"
	"github.com/brdfb/maestro/pkg/observability"
	"github.com/brdfb/maestro/pkg/runlog"
	"github.com/brdfb/maestro/pkg/server"
	"github.com/brdfb/maestro/pkg/session"
	"github.com/brdfb/maestro/pkg/store"
	"github.com/brdfb/maestro/pkg/tokens"
)

// Exit codes surfaced to shells and CI.
const (
	exitOK                 = 0
	exitError              = 1
	exitInvalidArgs        = 2
	exitConfigError        = 3
	exitAllProvidersFailed = 4
	exitStoreError         = 5
)

// CLI defines the command-line interface.
type CLI struct {
	Serve     ServeCmd     `cmd:"" help:"Start the HTTP server."`
	Ask       AskCmd       `cmd:"" help:"Run a single agent against a prompt."`
	Chain     ChainCmd     `cmd:"" help:"Run the builder, critics, refinement and closer chain."`
	Logs      LogsCmd      `cmd:"" help:"Show recent call logs."`
	Last      LastCmd      `cmd:"" help:"Show the most recent call in full."`
	LastChain LastChainCmd `cmd:"" name:"last-chain" help:"Show every call of the most recent session."`
	Memory    MemoryCmd    `cmd:"" help:"Administer the conversation store."`

	Config   string `short:"c" help:"Path to YAML config file (omit for built-in defaults)." type:"path"`
	LogLevel string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	LogFile  string `name:"log-file" help:"Log file path (empty = stderr)."`
}

// configError marks failures that should exit with the configuration code.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// app holds the constructed engine services for one command invocation.
type app struct {
	cfg     *config.Config
	store   *store.Store
	runtime *chain.Runtime
	logs    *runlog.Writer
	metrics *observability.Metrics

	cleanups []func()
}

func (a *app) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

func newApp(cli *CLI) (*app, error) {
	var cfg *config.Config
	if cli.Config != "" {
		loaded, err := config.Load(cli.Config)
		if err != nil {
			return nil, &configError{err: err}
		}
		cfg = loaded
	} else {
		if err := config.LoadEnvFiles(); err != nil {
			return nil, &configError{err: err}
		}
		cfg = config.Default()
	}

	a := &app{cfg: cfg}

	level := cli.LogLevel
	if level == "" {
		level = cfg.LogLevel
	}
	out := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, &configError{err: err}
		}
		a.cleanups = append(a.cleanups, cleanup)
		out = file
	}
	logger.Init(logger.ParseLevel(level), out, "simple")

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st
	a.cleanups = append(a.cleanups, func() { st.Close() })

	counter, err := tokens.NewCounter(cfg.Compression.Model)
	if err != nil {
		a.Close()
		return nil, err
	}

	conn := connector.NewFromEnv(cfg.Retry)
	engine := embedding.NewEngine(cfg.Embedder, nil)
	a.logs = runlog.NewWriter(cfg.Storage.LogDir)
	a.metrics = observability.NewMetrics()

	a.runtime = chain.NewRuntime(cfg, conn,
		compress.New(cfg.Compression, conn, counter),
		memory.NewAggregator(st, engine, counter),
		session.NewManager(st), st, engine, a.logs, a.metrics)
	return a, nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host string `help:"Listen host (overrides config)."`
	Port int    `help:"Listen port (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Host != "" {
		a.cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		a.cfg.Server.Port = c.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down")
		cancel()
	}()

	srv := server.New(a.cfg, a.runtime, a.store, a.metrics)
	fmt.Printf("maestro listening on http://%s\n", a.cfg.Server.Address())
	fmt.Printf("  POST /ask, POST /chain, GET /health, GET /metrics\n")
	fmt.Println("Press Ctrl+C to stop")
	return srv.ListenAndServe(ctx)
}

// AskCmd runs a single agent.
type AskCmd struct {
	Agent  string `arg:"" help:"Agent name, or 'auto' to route."`
	Prompt string `arg:"" help:"The prompt."`

	Session string `help:"Session id (defaults to a per-process CLI session)."`
	Model   string `help:"Override model in provider/model form."`
	JSON    bool   `help:"Emit the raw RunResult as JSON."`
}

func (c *AskCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.RequestTimeout)
	defer cancel()

	res, err := a.runtime.Ask(ctx, c.Agent, c.Prompt, c.Session, "cli", c.Model)
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(res)
	}

	fmt.Println(res.Response)
	fmt.Printf("\n[%s] model=%s tokens=%d cost=$%.4f duration=%dms session=%s\n",
		res.Agent, res.Model, res.TotalTokens, res.EstimatedCostUSD, res.DurationMS, res.SessionID)
	if res.FallbackUsed {
		fmt.Printf("fallback: %s\n", res.FallbackReason)
	}
	return nil
}

// ChainCmd runs the full chain, or an explicit stage sequence.
type ChainCmd struct {
	Prompt string   `arg:"" help:"The prompt."`
	Stages []string `arg:"" optional:"" help:"Explicit agent sequence (default: full chain)."`

	Session string `help:"Session id (defaults to a per-process CLI session)."`
	JSON    bool   `help:"Emit the raw RunResult list as JSON."`
}

func (c *ChainCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.RequestTimeout)
	defer cancel()

	results, err := a.runtime.RunStages(ctx, chain.Request{
		Prompt:    c.Prompt,
		SessionID: c.Session,
		Source:    "cli",
	}, c.Stages)
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(results)
	}

	for _, res := range results {
		marker := ""
		if res.FallbackUsed {
			marker = " fallback=" + res.FallbackReason
		}
		fmt.Printf("== %s (%s, %d tokens, %dms)%s\n",
			res.Agent, res.Model, res.TotalTokens, res.DurationMS, marker)
	}

	final := results[len(results)-1]
	fmt.Println()
	fmt.Println(final.Response)
	if final.ConvergenceReason != "" {
		fmt.Printf("\nconvergence: %s\n", final.ConvergenceReason)
	}
	return nil
}

// LogsCmd lists recent call logs from the log directory.
type LogsCmd struct {
	Limit int `arg:"" optional:"" default:"10" help:"How many entries to show."`
}

func (c *LogsCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	names, err := a.logs.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no logs")
		return nil
	}
	if len(names) > c.Limit {
		names = names[:c.Limit]
	}
	for _, name := range names {
		entry, err := a.logs.Read(name)
		if err != nil {
			slog.Warn("Skipping unreadable log", "file", name, "error", err)
			continue
		}
		fmt.Printf("%s  %-14s %-28s %6d tokens  $%.4f  %s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Agent, entry.Model,
			entry.TotalTokens, entry.EstimatedCostUSD, oneLine(entry.Prompt, 60))
	}
	return nil
}

// LastCmd prints the most recent call in full.
type LastCmd struct{}

func (c *LastCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	names, err := a.logs.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no logs")
		return nil
	}
	entry, err := a.logs.Read(names[0])
	if err != nil {
		return err
	}
	printEntry(entry)
	return nil
}

// LastChainCmd prints every call of the most recent session, oldest first.
type LastChainCmd struct{}

func (c *LastChainCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	names, err := a.logs.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no logs")
		return nil
	}

	newest, err := a.logs.Read(names[0])
	if err != nil {
		return err
	}

	var entries []*runlog.Entry
	for _, name := range names {
		entry, err := a.logs.Read(name)
		if err != nil {
			continue
		}
		if entry.SessionID != newest.SessionID {
			continue
		}
		entries = append(entries, entry)
		if len(entries) >= 50 {
			break
		}
	}

	for i := len(entries) - 1; i >= 0; i-- {
		printEntry(entries[i])
		if i > 0 {
			fmt.Println(strings.Repeat("-", 60))
		}
	}
	return nil
}

// MemoryCmd groups conversation store administration.
type MemoryCmd struct {
	Search  MemorySearchCmd  `cmd:"" help:"Substring search over prompts and responses."`
	Recent  MemoryRecentCmd  `cmd:"" help:"Show the most recent conversations."`
	Stats   MemoryStatsCmd   `cmd:"" help:"Aggregate totals and breakdowns."`
	Delete  MemoryDeleteCmd  `cmd:"" help:"Delete one conversation by id."`
	Cleanup MemoryCleanupCmd `cmd:"" help:"Delete conversations older than N days with no live session."`
	Export  MemoryExportCmd  `cmd:"" help:"Dump every conversation as JSON."`
}

type MemorySearchCmd struct {
	Query string `arg:"" help:"Substring to search for."`
	Agent string `help:"Filter by agent."`
	Model string `help:"Filter by model."`
	Limit int    `default:"10" help:"Maximum results."`
}

func (c *MemorySearchCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.Search(context.Background(), c.Query,
		store.SearchFilter{Agent: c.Agent, Model: c.Model}, c.Limit)
	if err != nil {
		return err
	}
	printConversations(records)
	return nil
}

type MemoryRecentCmd struct {
	Limit int    `arg:"" optional:"" default:"10" help:"How many to show."`
	Agent string `help:"Filter by agent."`
}

func (c *MemoryRecentCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.Recent(context.Background(), c.Agent, c.Limit)
	if err != nil {
		return err
	}
	printConversations(records)
	return nil
}

type MemoryStatsCmd struct{}

func (c *MemoryStatsCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.GetStats(context.Background(), time.Time{})
	if err != nil {
		return err
	}

	fmt.Printf("conversations: %d\n", stats.TotalConversations)
	fmt.Printf("tokens:        %d\n", stats.TotalTokens)
	fmt.Printf("cost:          $%.4f\n", stats.TotalCostUSD)
	fmt.Printf("avg duration:  %.0fms\n", stats.AvgDurationMS)
	if len(stats.ByAgent) > 0 {
		fmt.Println("\nby agent:")
		for _, s := range stats.ByAgent {
			fmt.Printf("  %-20s %6d requests  %8d tokens  $%.4f\n", s.Name, s.Requests, s.TotalTokens, s.CostUSD)
		}
	}
	if len(stats.ByModel) > 0 {
		fmt.Println("\nby model:")
		for _, s := range stats.ByModel {
			fmt.Printf("  %-32s %6d requests  %8d tokens  $%.4f\n", s.Name, s.Requests, s.TotalTokens, s.CostUSD)
		}
	}
	return nil
}

type MemoryDeleteCmd struct {
	ID int64 `arg:"" help:"Conversation id."`
}

func (c *MemoryDeleteCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Delete(context.Background(), c.ID); err != nil {
		return err
	}
	fmt.Printf("deleted %d\n", c.ID)
	return nil
}

type MemoryCleanupCmd struct {
	Days int `arg:"" optional:"" default:"30" help:"Age threshold in days."`
}

func (c *MemoryCleanupCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	cutoff := time.Now().AddDate(0, 0, -c.Days)
	n, err := a.store.Cleanup(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d conversations older than %d days\n", n, c.Days)
	return nil
}

type MemoryExportCmd struct {
	Output string `short:"o" help:"Output file (default stdout)." type:"path"`
}

func (c *MemoryExportCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.Export(context.Background())
	if err != nil {
		return err
	}

	out := os.Stdout
	if c.Output != "" {
		file, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

func printEntry(entry *runlog.Entry) {
	fmt.Printf("%s  %s (%s)\n", entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Agent, entry.Model)
	fmt.Printf("tokens=%d cost=$%.4f duration=%dms session=%s\n",
		entry.TotalTokens, entry.EstimatedCostUSD, entry.DurationMS, entry.SessionID)
	if entry.FallbackUsed {
		fmt.Printf("fallback: %s\n", entry.FallbackReason)
	}
	fmt.Printf("\nprompt:\n%s\n\nresponse:\n%s\n", entry.Prompt, entry.Response)
}

func printConversations(records []*store.Conversation) {
	if len(records) == 0 {
		fmt.Println("no results")
		return
	}
	for _, r := range records {
		fmt.Printf("#%-6d %s  %-14s %-28s %6d tokens  %s\n",
			r.ID, r.Timestamp.Format("2006-01-02 15:04"), r.Agent, r.Model,
			r.TotalTokens, oneLine(r.Prompt, 60))
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return s
}

// exitCode maps the engine error taxonomy onto process exit codes.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		cfgErr       *configError
		allProviders *connector.AllProvidersFailedError
		storeFailed  *store.StoreError
		unknownAgent *chain.UnknownAgentError
	)
	switch {
	case errors.As(err, &cfgErr):
		return exitConfigError
	case errors.As(err, &allProviders):
		return exitAllProvidersFailed
	case errors.As(err, &storeFailed):
		return exitStoreError
	case errors.As(err, &unknownAgent), errors.Is(err, session.ErrInvalidSessionID):
		return exitInvalidArgs
	default:
		return exitError
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("maestro"),
		kong.Description("Multi-agent LLM orchestration engine: builder, parallel critics, bounded refinement, closer."),
		kong.UsageOnError(),
		kong.Exit(func(code int) {
			if code != 0 {
				code = exitInvalidArgs
			}
			os.Exit(code)
		}),
	)

	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
