package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nstogner/aide/pkg/automation"
	"github.com/nstogner/aide/pkg/automation/watch"
	"github.com/nstogner/aide/pkg/confirm"
	"github.com/nstogner/aide/pkg/director"
	"github.com/nstogner/aide/pkg/domain"
	"github.com/nstogner/aide/pkg/model/gemini"
	"github.com/nstogner/aide/pkg/runner"
	"github.com/nstogner/aide/pkg/server"
	"github.com/nstogner/aide/pkg/store/sqlite"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	dbPath := flag.String("db", "", "sqlite database path (default ./data/aide.db)")
	modelName := flag.String("model", "gemini-2.0-flash", "model to drive the loop")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		slog.Error("GEMINI_API_KEY environment variable not set")
		os.Exit(1)
	}

	ctx := context.Background()

	path := *dbPath
	if path == "" {
		wd, _ := os.Getwd()
		path = filepath.Join(wd, "data", "aide.db")
	}
	os.MkdirAll(filepath.Dir(path), 0755)

	st, err := sqlite.New(path)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	caller, err := gemini.New(ctx, apiKey, *modelName)
	if err != nil {
		slog.Error("Failed to initialize Gemini caller", "error", err)
		os.Exit(1)
	}

	registry := director.NewRegistry()
	// Tool implementations register here; the core only knows the
	// name→handler boundary.

	dir := director.New(caller, registry, director.Options{})
	research := runner.New(st, dir)

	gateway := confirm.NewAutomation(st, st, 0)
	if err := gateway.SweepExpired(ctx); err != nil {
		slog.Error("Failed to sweep expired confirmations", "error", err)
		os.Exit(1)
	}

	executor := automation.New(st, st, st, research, gateway, automation.Config{})
	go func() {
		if err := executor.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Executor stopped unexpectedly", "error", err)
		}
	}()

	watcher, err := watch.New(executor)
	if err != nil {
		slog.Error("Failed to initialize watcher", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	// Re-arm file watches for existing automations.
	all, err := st.ListAutomations(ctx, "")
	if err != nil {
		slog.Error("Failed to list automations for watch setup", "error", err)
		os.Exit(1)
	}
	for _, a := range all {
		if a.TriggerType != domain.TriggerFileWatch || a.TriggerConfig == "" {
			continue
		}
		if err := watcher.Watch(a.TriggerConfig, a.ID); err != nil {
			slog.Warn("Failed to watch path", "path", a.TriggerConfig, "automationID", a.ID, "error", err)
		}
	}

	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Watcher stopped unexpectedly", "error", err)
		}
	}()

	srv := server.New(st, st, st, executor, gateway, research)
	if err := srv.Start(*addr); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
