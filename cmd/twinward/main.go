/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Twinward is a safety-governed conversational agent for an industrial
// digital twin: it turns operator chat into twin operation calls, with
// every call passing a signed policy, RBAC, interlocks, simulation
// forcing, and human approval gating, and every decision landing in a
// hash-chained audit log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/mkessel/twinward/internal/api"
	"github.com/mkessel/twinward/internal/approval"
	"github.com/mkessel/twinward/internal/audit"
	"github.com/mkessel/twinward/internal/breaker"
	"github.com/mkessel/twinward/internal/bus"
	"github.com/mkessel/twinward/internal/config"
	"github.com/mkessel/twinward/internal/idempotency"
	"github.com/mkessel/twinward/internal/llm"
	"github.com/mkessel/twinward/internal/metrics"
	"github.com/mkessel/twinward/internal/orchestrator"
	"github.com/mkessel/twinward/internal/safety"
	"github.com/mkessel/twinward/internal/shadow"
	"github.com/mkessel/twinward/internal/telemetry"
	"github.com/mkessel/twinward/internal/twin"
)

var version = "dev"

func main() {
	var (
		configPath  string
		development bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flag.BoolVar(&development, "dev", false, "use human-readable development logging")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	zcfg := zap.NewProductionConfig()
	if development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zlog, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer zlog.Sync()
	log := zapr.NewLogger(zlog).WithName("twinward")

	if err := run(configPath, log); err != nil {
		log.Error(err, "agent exited")
		os.Exit(1)
	}
}

func run(configPath string, log logr.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Info("configuration loaded", "twin", cfg.Twin.BaseURL, "bus", cfg.Bus.BrokerURL,
		"provider", cfg.LLM.Provider, "authMode", cfg.Server.AuthMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error(err, "tracing shutdown")
		}
	}()

	auditLog, err := audit.New(cfg.Safety.AuditLogPath, log.WithName("audit"))
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	auditLog = auditLog.WithAppendHook(func(ev audit.EventType) {
		metrics.AuditEntriesTotal.WithLabelValues(string(ev)).Inc()
	})

	breakerGauge := func(name string, state breaker.State) {
		metrics.RecordBreakerState(name, breakerStateValue(state))
	}
	twinBreaker := breaker.New("twin", breaker.Config{
		FailureThreshold: cfg.Twin.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Twin.Breaker.RecoveryTimeout.Std(),
		HalfOpenMaxCalls: cfg.Twin.Breaker.HalfOpenMaxCalls,
	}).WithStateChangeHook(breakerGauge)
	llmBreaker := breaker.New("llm", breaker.Config{
		FailureThreshold: cfg.LLM.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.LLM.Breaker.RecoveryTimeout.Std(),
		HalfOpenMaxCalls: cfg.LLM.Breaker.HalfOpenMaxCalls,
	}).WithStateChangeHook(breakerGauge)

	twinClient := twin.NewClient(twin.Config{
		BaseURL: cfg.Twin.BaseURL,
		Timeout: cfg.Twin.Timeout.Std(),
	}, twinBreaker, log.WithName("twin"))

	busClient := bus.New(bus.Config{
		BrokerURL:  cfg.Bus.BrokerURL,
		ClientID:   cfg.Bus.ClientID,
		QoS:        byte(cfg.Bus.QoS),
		BaseDelay:  cfg.Bus.ReconnectBaseDelay.Std(),
		MaxDelay:   cfg.Bus.ReconnectMaxDelay.Std(),
		Multiplier: cfg.Bus.ReconnectMultiplier,
	}, log.WithName("bus")).WithStatusChangeHook(func(connected bool) {
		if connected {
			metrics.BusConnected.Set(1)
			metrics.BusConnectionsTotal.WithLabelValues("connect").Inc()
		} else {
			metrics.BusConnected.Set(0)
			metrics.BusConnectionsTotal.WithLabelValues("disconnect").Inc()
		}
	})

	shadowMgr := shadow.NewManager(shadow.Config{
		ShellID:        cfg.Twin.ShellID,
		AASRepoID:      cfg.Bus.AASRepoID,
		SubmodelRepoID: cfg.Bus.SubmodelRepoID,
	}, twinClient, log.WithName("shadow")).WithHooks(
		func() { metrics.ShadowEventsTotal.Inc() },
		func(trigger string) { metrics.ShadowResyncsTotal.WithLabelValues(trigger).Inc() },
	)

	// Subscriptions must be in place before the first connect so no event
	// published after the initial snapshot is missed.
	shadowMgr.Register(busClient)
	go func() {
		if err := busClient.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "event bus loop exited")
		}
	}()

	waitCtx, cancelWait := context.WithTimeout(ctx, 30*time.Second)
	if err := busClient.WaitConnected(waitCtx); err != nil {
		log.Info("event bus not reachable yet, starting with snapshot only")
	}
	cancelWait()

	if err := shadowMgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize shadow: %w", err)
	}
	log.Info("shadow initialized", "shellID", cfg.Twin.ShellID)

	// The task list lives on the policy submodel unless the loaded policy
	// redirects it through task_submodel_id / tasks_property_path.
	tasks := approval.NewStore(twinClient, cfg.Safety.PolicySubmodelID, "TasksJson")

	kernel := safety.NewKernel(safety.Config{
		PolicySubmodelID:     cfg.Safety.PolicySubmodelID,
		VerificationRequired: cfg.Safety.PolicyVerificationRequired,
		InterlockFailSafe:    cfg.Safety.InterlockFailSafe,
		CacheTTL:             cfg.Safety.PolicyCacheTTL.Std(),
		MaxAge:               cfg.Safety.PolicyMaxAge.Std(),
	}, shadowMgr, auditLog, tasks, log.WithName("safety")).WithDenyHook(metrics.RecordDenial)

	tasks.WithLocator(func(ctx context.Context) (string, string) {
		p, err := kernel.Policy(ctx)
		if err != nil {
			return "", ""
		}
		return p.TaskSubmodelID, p.TasksPropertyPath
	})

	sweeper := approval.NewSweeper(tasks, cfg.Safety.ApprovalTimeout.Std(), kernel.LogTaskExpired, log.WithName("approval"))
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start approval sweeper: %w", err)
	}
	defer sweeper.Stop()

	var actions idempotency.Store
	if cfg.Idempotency.Backend == "postgres" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Idempotency.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect idempotency store: %w", err)
		}
		actions = pg
	} else {
		actions = idempotency.NewMemoryStore(cfg.Idempotency.TTL.Std())
	}
	defer actions.Close()

	model, err := llm.FromConfig(cfg.LLM, llmBreaker, log.WithName("llm"))
	if err != nil {
		return fmt.Errorf("build model client: %w", err)
	}
	if r, ok := model.(*llm.Resilient); ok {
		r.WithCallHook(func(provider, outcome string) {
			metrics.LLMCallsTotal.WithLabelValues(provider, outcome).Inc()
		})
	}

	orch := orchestrator.New(orchestrator.Config{
		TopK:              cfg.Capability.TopK,
		AlwaysInclude:     cfg.Capability.AlwaysInclude,
		HistoryLimit:      cfg.Orchestrator.HistoryLimit,
		MaxTokens:         cfg.LLM.MaxTokens,
		JobPollInterval:   cfg.Jobs.PollInterval.Std(),
		JobTimeout:        cfg.Jobs.Timeout.Std(),
		HTTPFallbackPolls: cfg.Jobs.HTTPFallbackPolls,
		LLMConcurrency:    int64(cfg.LLM.ConcurrencyLimit),
		ToolConcurrency:   int64(cfg.Orchestrator.ToolConcurrencyLimit),
	}, shadowMgr, twinClient, kernel, model, actions, log.WithName("orchestrator")).
		WithToolHook(func(tool, status string, _ bool) {
			metrics.RecordToolExecution(tool, status)
		}).
		WithJobHook(func(status, source string) {
			metrics.JobsMonitoredTotal.WithLabelValues(status, source).Inc()
		})

	ready := func() bool { return shadowMgr.Initialized() && busClient.IsConnected() }
	server := api.New(cfg.Server, cfg.RateLimit, orch, kernel, ready, log.WithName("api"))

	log.Info("agent up", "version", version, "addr", cfg.Server.Addr)
	if err := <-server.Start(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("agent stopped")
	return nil
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.Open:
		return 2
	case breaker.HalfOpen:
		return 1
	default:
		return 0
	}
}
