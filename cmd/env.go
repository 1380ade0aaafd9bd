package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-health/priorauth-cli/internal/agent"
	"github.com/meridian-health/priorauth-cli/internal/config"
	"github.com/meridian-health/priorauth-cli/internal/controller"
	"github.com/meridian-health/priorauth-cli/internal/evidence"
	"github.com/meridian-health/priorauth-cli/internal/llm"
	"github.com/meridian-health/priorauth-cli/internal/monitoring"
	"github.com/meridian-health/priorauth-cli/internal/retrieval"
	"github.com/meridian-health/priorauth-cli/internal/rules"
	"github.com/meridian-health/priorauth-cli/internal/safety"
	"github.com/meridian-health/priorauth-cli/internal/store"
)

// env is the wired decision pipeline shared by the decide and serve commands.
type env struct {
	router  *controller.Router
	metrics *monitoring.Recorder
	store   store.Store
}

// Close releases the decision store.
func (e *env) Close() {
	if e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

// buildEnv constructs the full pipeline from configuration: decision store,
// retrieval orchestrator, rule validator, optional LLM agent, safety
// calibrator, metrics recorder, and the router tying them together.
func buildEnv(ctx context.Context, cfg *config.Config) (*env, error) {
	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	orchestrator := initRetrieval(cfg)
	validator, err := initValidator(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	metrics := monitoring.NewRecorder()
	heuristic := controller.NewHeuristic(orchestrator, validator)
	agentLoop := initAgent(cfg, orchestrator, metrics)

	calibrator := safety.New(safety.Options{
		SelfConsistencyK:       cfg.Safety.SelfConsistencyK,
		SelfConsistencyTrigger: cfg.Safety.SelfConsistencyTrigger,
		ConformalAlpha:         cfg.Safety.ConformalAlpha,
		HighImpactThreshold:    cfg.Safety.HighImpactThreshold,
	})

	var agentEval controller.Evaluator
	if agentLoop != nil {
		agentEval = agentLoop
	}
	router := controller.NewRouter(heuristic, agentEval, calibrator, st, metrics, controller.Options{
		UseLLM:            cfg.Controller.UseLLM,
		ShadowMode:        cfg.Controller.ShadowMode,
		FallbackEnabled:   cfg.Controller.FallbackEnabled,
		ABRatio:           cfg.Controller.ABRatio,
		CalibrationWindow: cfg.Safety.CalibrationWindow,
	})

	return &env{router: router, metrics: metrics, store: st}, nil
}

func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("cmd: unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func initRetrieval(cfg *config.Config) *retrieval.Orchestrator {
	var backend retrieval.TreeSearcher
	switch cfg.Retrieval.Backend {
	case "http":
		backend = retrieval.NewHTTPClient(
			cfg.Retrieval.BaseURL,
			cfg.Retrieval.APIKey,
			time.Duration(cfg.Retrieval.TimeoutSecs)*time.Second,
		)
	default:
		backend = retrieval.NewStub(retrieval.DefaultStubDoc())
	}
	return retrieval.NewOrchestrator(backend, retrieval.Options{
		TopK:               cfg.Retrieval.TopK,
		HybridThreshold:    cfg.Retrieval.HybridThreshold,
		SpanTokenThreshold: cfg.Retrieval.SpanTokenThreshold,
	})
}

func initValidator(cfg *config.Config) (*rules.Validator, error) {
	rs := rules.DefaultRuleSet()
	if cfg.Rules.RulesFile != "" {
		var err error
		rs, err = rules.LoadRuleSet(cfg.Rules.RulesFile)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Rules.MinAge > 0 {
		rs.MinAge = cfg.Rules.MinAge
	}
	if cfg.Rules.MinTreatmentWeeks > 0 {
		rs.MinTreatmentWeeks = cfg.Rules.MinTreatmentWeeks
	}
	if cfg.Rules.ConfidenceThreshold > 0 {
		rs.ConfidenceThreshold = cfg.Rules.ConfidenceThreshold
	}
	return rules.NewValidator(rs), nil
}

// initAgent wires the LLM reasoning loop. A missing API key or no LLM-routed
// mode leaves the agent nil, which degrades every mode to the rule path.
func initAgent(cfg *config.Config, orchestrator *retrieval.Orchestrator, metrics *monitoring.Recorder) *agent.Loop {
	llmNeeded := cfg.Controller.UseLLM || cfg.Controller.ShadowMode || cfg.Controller.ABRatio > 0
	if !llmNeeded || cfg.Anthropic.Key == "" {
		return nil
	}

	var pubmed agent.EvidenceSearcher
	if cfg.PubMed.Enabled {
		pubmed = evidence.NewClient(evidence.Options{
			BaseURL:       cfg.PubMed.BaseURL,
			APIKey:        cfg.PubMed.APIKey,
			MaxResults:    cfg.PubMed.MaxResults,
			CacheTTL:      time.Duration(cfg.PubMed.CacheTTLSecs) * time.Second,
			RatePerSecond: float64(cfg.PubMed.RatePerSecond),
		})
	}

	execOpts := agent.DefaultExecOptions()
	if cfg.Controller.ToolTimeoutSecs > 0 {
		execOpts.DefaultTimeout = time.Duration(cfg.Controller.ToolTimeoutSecs) * time.Second
	}
	if cfg.Controller.ToolRetryLimit >= 0 {
		execOpts.RetryLimit = cfg.Controller.ToolRetryLimit
	}
	if len(cfg.Controller.ToolTimeoutOverrides) > 0 {
		execOpts.TimeoutOverrides = make(map[string]time.Duration, len(cfg.Controller.ToolTimeoutOverrides))
		for name, secs := range cfg.Controller.ToolTimeoutOverrides {
			execOpts.TimeoutOverrides[name] = time.Duration(secs) * time.Second
		}
	}
	if len(cfg.Controller.ToolRateLimits) > 0 {
		execOpts.RateLimits = cfg.Controller.ToolRateLimits
	}

	kit := agent.NewToolkit(orchestrator, pubmed, execOpts, metrics)
	client := llm.NewAnthropic(cfg.Anthropic.Key, cfg.Anthropic.Model)

	temperature := cfg.Anthropic.Temperature
	return agent.NewLoop(client, kit, agent.LoopOptions{
		MaxIterations: cfg.Controller.MaxIterations,
		Temperature:   &temperature,
		MaxTokens:     int64(cfg.Anthropic.MaxTokens),
	})
}
