package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brdfb/maestro/pkg/compress"
	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/connector"
	"github.com/brdfb/maestro/pkg/embedding"
	"github.com/brdfb/maestro/pkg/llms"
	"github.com/brdfb/maestro/pkg/memory"
	"github.com/brdfb/maestro/pkg/observability"
	"github.com/brdfb/maestro/pkg/runlog"
	"github.com/brdfb/maestro/pkg/session"
	"github.com/brdfb/maestro/pkg/store"
)

// Runtime wires the engine services and executes chain requests. All
// dependencies are constructed once at startup and are read-only afterwards.
type Runtime struct {
	cfg        *config.Config
	connector  *connector.Connector
	compressor *compress.Compressor
	aggregator *memory.Aggregator
	sessions   *session.Manager
	store      *store.Store
	engine     *embedding.Engine
	logs       *runlog.Writer
	metrics    *observability.Metrics
}

// NewRuntime assembles a runtime from its services. metrics and logs may be
// nil for tests.
func NewRuntime(cfg *config.Config, conn *connector.Connector, comp *compress.Compressor,
	agg *memory.Aggregator, sessions *session.Manager, st *store.Store,
	engine *embedding.Engine, logs *runlog.Writer, metrics *observability.Metrics) *Runtime {
	return &Runtime{
		cfg:        cfg,
		connector:  conn,
		compressor: comp,
		aggregator: agg,
		sessions:   sessions,
		store:      st,
		engine:     engine,
		logs:       logs,
		metrics:    metrics,
	}
}

// Request is one chain invocation.
type Request struct {
	Prompt        string
	SessionID     string
	Source        string
	OverrideModel string
}

// Run executes the full chain: context injection, builder, critic fan-out,
// bounded refinement, closer. The returned results are in stage order.
func (r *Runtime) Run(ctx context.Context, req Request) ([]*RunResult, error) {
	start := time.Now()
	results, err := r.run(ctx, req)
	if r.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		r.metrics.ChainRuns.WithLabelValues(outcome).Inc()
		r.metrics.ChainDuration.Observe(time.Since(start).Seconds())
	}
	return results, err
}

func (r *Runtime) run(ctx context.Context, req Request) ([]*RunResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	sessionID, err := r.sessions.GetOrCreate(ctx, source, req.SessionID)
	if err != nil {
		return nil, err
	}

	var results []*RunResult

	// Builder.
	builder, err := r.runAgent(ctx, config.RoleBuilder, req.Prompt, sessionID, req.OverrideModel)
	if err != nil {
		return nil, &StageFailedError{Stage: config.RoleBuilder, Cause: err}
	}
	results = append(results, builder)

	// Critic fan-out on the (possibly compressed) builder output.
	criticInput := r.criticInput(ctx, req.Prompt, builder.Response)
	selection := SelectCritics(&r.cfg.Critics, req.Prompt, builder.Response)
	consensus, err := r.runCritics(ctx, selection, criticInput, sessionID)
	if err != nil {
		return nil, &StageFailedError{Stage: "critics", Cause: err}
	}
	results = append(results, consensus)

	// Refinement loop.
	convergence := ""
	if r.cfg.Refinement.Enabled != nil && *r.cfg.Refinement.Enabled {
		refined, reason, err := r.refine(ctx, req, builder, consensus, selection, sessionID)
		if err != nil {
			return nil, err
		}
		results = append(results, refined...)
		convergence = reason
	}

	// Closer.
	closer, err := r.runCloser(ctx, req.Prompt, results, sessionID)
	if err != nil {
		return nil, &StageFailedError{Stage: config.RoleCloser, Cause: err}
	}
	closer.ConvergenceReason = convergence
	results = append(results, closer)

	return results, nil
}

// AgentAuto routes the prompt through a cheap model that picks the agent.
const AgentAuto = "auto"

// Ask runs a single agent with context injection, outside the chain.
func (r *Runtime) Ask(ctx context.Context, agentName, prompt, sessionID, source, overrideModel string) (*RunResult, error) {
	if agentName == AgentAuto {
		agentName = r.routeAgent(ctx, prompt)
	}
	if _, ok := r.cfg.Agent(agentName); !ok {
		return nil, &UnknownAgentError{Name: agentName}
	}
	if source == "" {
		source = "api"
	}
	resolved, err := r.sessions.GetOrCreate(ctx, source, sessionID)
	if err != nil {
		return nil, err
	}
	return r.runAgent(ctx, agentName, prompt, resolved, overrideModel)
}

// routeAgent asks the compression model which configured agent fits the
// prompt. Any routing failure falls back to the builder.
func (r *Runtime) routeAgent(ctx context.Context, prompt string) string {
	names := r.cfg.AgentNames()
	router := &config.AgentConfig{Model: r.cfg.Compression.Model}
	router.SetDefaults()

	res, err := r.connector.Call(ctx, "router", router, connector.CallOptions{
		System: fmt.Sprintf("You route user requests to one of these agents: %s. "+
			"Respond with exactly one agent name and nothing else.", strings.Join(names, ", ")),
		Messages:    []llms.Message{{Role: llms.RoleUser, Content: prompt}},
		MaxTokens:   16,
		Temperature: config.Float64Ptr(0.01),
	})
	if err != nil {
		slog.Warn("Agent routing failed, using builder", "error", err)
		return config.RoleBuilder
	}

	choice := strings.ToLower(strings.TrimSpace(res.Content))
	if _, ok := r.cfg.Agent(choice); ok {
		slog.Info("Routed prompt to agent", "agent", choice)
		return choice
	}
	slog.Warn("Router picked an unknown agent, using builder", "choice", choice)
	return config.RoleBuilder
}

// runAgent performs one agent call: context aggregation, connector call,
// persistence, run log, metrics.
func (r *Runtime) runAgent(ctx context.Context, agentName, prompt, sessionID, overrideModel string) (*RunResult, error) {
	agent, ok := r.cfg.Agent(agentName)
	if !ok {
		return nil, &UnknownAgentError{Name: agentName}
	}
	if overrideModel != "" {
		if _, _, err := config.SplitModel(overrideModel); err != nil {
			return nil, err
		}
		override := *agent
		override.Model = overrideModel
		agent = &override
	}

	system := agent.SystemPrompt
	var tel memory.Telemetry
	if agent.MemoryEnabled {
		var contextBlock string
		contextBlock, tel = r.aggregator.Aggregate(ctx, prompt, sessionID, agentName, agent.Memory)
		if contextBlock != "" {
			system = contextBlock + "\n\n" + system
		}
	}

	res, err := r.connector.Call(ctx, agentName, agent, connector.CallOptions{
		System:   system,
		Messages: []llms.Message{{Role: llms.RoleUser, Content: prompt}},
	})
	if err != nil {
		if r.metrics != nil {
			r.metrics.LLMFailures.WithLabelValues(agentName).Inc()
		}
		return nil, err
	}
	if res.Fallback {
		slog.Warn("Agent served by fallback model",
			"agent", agentName, "model", res.Model, "reason", res.FallbackReason)
	}

	provider, _, _ := config.SplitModel(res.Model)
	result := &RunResult{
		Agent:                  agentName,
		Model:                  res.Model,
		Provider:               provider,
		Response:               res.Content,
		PromptTokens:           res.PromptTokens,
		CompletionTokens:       res.CompletionTokens,
		TotalTokens:            res.PromptTokens + res.CompletionTokens,
		DurationMS:             res.DurationMS,
		EstimatedCostUSD:       res.CostUSD,
		FallbackUsed:           res.Fallback,
		FallbackReason:         res.FallbackReason,
		InjectedContextTokens:  tel.TotalTokens,
		SessionContextTokens:   tel.SessionTokens,
		KnowledgeContextTokens: tel.KnowledgeTokens,
		SessionID:              sessionID,
	}

	r.persist(ctx, agentName, prompt, result)

	if r.metrics != nil {
		r.metrics.RecordCall(agentName, res.Model, res.PromptTokens, res.CompletionTokens,
			res.CostUSD, float64(res.DurationMS)/1000, res.FallbackReason)
	}
	return result, nil
}

// persist stores the conversation, embeds it best-effort and emits the run
// log entry. Persistence failures are logged; the chain continues.
func (r *Runtime) persist(ctx context.Context, agentName, prompt string, result *RunResult) {
	rec := &store.Conversation{
		Agent:            agentName,
		Model:            result.Model,
		Provider:         result.Provider,
		Prompt:           prompt,
		Response:         result.Response,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		DurationMS:       float64(result.DurationMS),
		EstimatedCostUSD: result.EstimatedCostUSD,
		FallbackUsed:     result.FallbackUsed,
		SessionID:        result.SessionID,
	}

	if r.engine != nil {
		if vec, err := r.engine.Embed(ctx, prompt); err == nil {
			rec.Embedding = embedding.Marshal(vec)
		} else {
			slog.Debug("Embedding skipped for conversation", "agent", agentName, "error", err)
		}
	}

	id, err := r.store.InsertConversation(ctx, rec)
	if err != nil {
		slog.Warn("Failed to persist conversation", "agent", agentName, "error", err)
	} else {
		result.ConversationID = id
		r.sessions.Touch(ctx, result.SessionID)
	}

	if r.logs != nil {
		r.logs.Write(runlog.Entry{
			Agent:            agentName,
			Model:            result.Model,
			Provider:         result.Provider,
			Prompt:           prompt,
			Response:         result.Response,
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.TotalTokens,
			DurationMS:       result.DurationMS,
			EstimatedCostUSD: result.EstimatedCostUSD,
			FallbackUsed:     result.FallbackUsed,
			FallbackReason:   result.FallbackReason,
			SessionID:        result.SessionID,
		})
	}
}

// criticInput compresses the builder output when it exceeds the standard
// threshold and prefixes the original prompt.
func (r *Runtime) criticInput(ctx context.Context, prompt, builderOutput string) string {
	compressed := r.compressor.Compress(ctx, builderOutput, compress.ClassStandard)
	return fmt.Sprintf("Original request:\n%s\n\nProposed answer to review:\n%s", prompt, compressed)
}

// runCritics executes the selected critics in parallel and merges the
// consensus. Individual critic failures are dropped; the stage fails only
// when every critic fails.
func (r *Runtime) runCritics(ctx context.Context, selection []Selection, input, sessionID string) (*RunResult, error) {
	if len(selection) == 0 {
		return nil, &AllCriticsFailedError{}
	}

	results := make([]*RunResult, len(selection))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(selection))

	for i, sel := range selection {
		i, sel := i, sel
		g.Go(func() error {
			res, err := r.runAgent(gctx, sel.Name, input, sessionID, "")
			if err != nil {
				slog.Warn("Critic failed, dropping from consensus", "critic", sel.Name, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Collect in selection order for deterministic consensus formatting.
	var outcomes []criticOutcome
	var names []string
	for i, sel := range selection {
		names = append(names, sel.Name)
		if results[i] != nil {
			outcomes = append(outcomes, criticOutcome{Selection: sel, result: results[i]})
		}
	}
	if len(outcomes) == 0 {
		return nil, &AllCriticsFailedError{Critics: names}
	}

	consensus := mergeConsensus(outcomes)
	consensus.SessionID = sessionID
	return consensus, nil
}

// refine drives the bounded refinement loop. It returns the intermediate
// results (builder-vN, multi-critic-vN pairs) and the convergence reason. A
// failed iteration surfaces as a StageFailedError; results always hold
// complete pairs, never a builder-vN without its critic round.
func (r *Runtime) refine(ctx context.Context, req Request, builder, consensus *RunResult,
	initialSelection []Selection, sessionID string) ([]*RunResult, string, error) {

	cfg := &r.cfg.Refinement
	issues := issueBlocks(consensus.Response, cfg)
	if len(issues) == 0 {
		return nil, ConvergedSuccess, nil
	}

	var results []*RunResult
	prevCount := len(issues)
	lastConsensus := consensus

	for n := 1; ; n++ {
		version := n + 1

		prompt := refinementPrompt(req.Prompt, issueBlocks(lastConsensus.Response, cfg))
		refined, err := r.runAgent(ctx, config.RoleBuilder, prompt, sessionID, req.OverrideModel)
		if err != nil {
			stage := fmt.Sprintf("%s-v%d", config.RoleBuilder, version)
			return nil, "", &StageFailedError{Stage: stage, Cause: err}
		}
		refined.Agent = fmt.Sprintf("%s-v%d", config.RoleBuilder, version)

		selection := initialSelection
		if cfg.ReselectCritics != nil && *cfg.ReselectCritics {
			selection = SelectCritics(&r.cfg.Critics, req.Prompt, refined.Response)
		}
		input := r.criticInput(ctx, req.Prompt, refined.Response)
		newConsensus, err := r.runCritics(ctx, selection, input, sessionID)
		if err != nil {
			stage := fmt.Sprintf("%s-v%d", AgentMultiCritic, version)
			return nil, "", &StageFailedError{Stage: stage, Cause: err}
		}
		newConsensus.Agent = fmt.Sprintf("%s-v%d", AgentMultiCritic, version)
		results = append(results, refined, newConsensus)

		count := countIssues(newConsensus.Response, cfg)
		switch {
		case count == 0:
			slog.Info("Refinement converged", "reason", ConvergedSuccess, "iterations", n)
			return results, ConvergedSuccess, nil
		case count >= prevCount:
			slog.Info("Refinement converged", "reason", ConvergedNoProgress,
				"iterations", n, "issues_before", prevCount, "issues_after", count)
			return results, ConvergedNoProgress, nil
		case n >= cfg.MaxIterations:
			slog.Info("Refinement converged", "reason", ConvergedMaxIterations, "iterations", n)
			return results, ConvergedMaxIterations, nil
		}

		prevCount = count
		lastConsensus = newConsensus
	}
}

// RunStages executes the named agents in order, feeding each stage the
// original prompt plus the previous stage's answer. An empty stage list runs
// the full chain.
func (r *Runtime) RunStages(ctx context.Context, req Request, stages []string) ([]*RunResult, error) {
	if len(stages) == 0 {
		return r.Run(ctx, req)
	}
	for _, name := range stages {
		if _, ok := r.cfg.Agent(name); !ok {
			return nil, &UnknownAgentError{Name: name}
		}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	sessionID, err := r.sessions.GetOrCreate(ctx, source, req.SessionID)
	if err != nil {
		return nil, err
	}

	var results []*RunResult
	prompt := req.Prompt
	for i, name := range stages {
		res, err := r.runAgent(ctx, name, prompt, sessionID, "")
		if err != nil {
			return nil, &StageFailedError{Stage: name, Cause: err}
		}
		results = append(results, res)
		if i < len(stages)-1 {
			prompt = fmt.Sprintf("Original request:\n%s\n\nPrevious stage (%s) answer:\n%s",
				req.Prompt, name, res.Response)
		}
	}
	return results, nil
}

// runCloser compresses every preserved stage output and calls the closer
// with the labeled summaries.
func (r *Runtime) runCloser(ctx context.Context, prompt string, stages []*RunResult, sessionID string) (*RunResult, error) {
	var b strings.Builder
	b.WriteString("Original request:\n")
	b.WriteString(prompt)
	b.WriteString("\n\nStage outputs:\n")
	for _, stage := range stages {
		compressed := r.compressor.Compress(ctx, stage.Response, compress.ClassCloser)
		fmt.Fprintf(&b, "\n## %s\n%s\n", stage.Agent, compressed)
	}
	b.WriteString("\nSynthesize the final answer to the original request from the stages above.")

	return r.runAgent(ctx, config.RoleCloser, b.String(), sessionID, "")
}
