// handlers.go implements the command logic behind commands.go.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/aide/internal/config"
	"github.com/haasonsaas/aide/internal/emitter"
	"github.com/haasonsaas/aide/internal/registry"
)

const defaultConfigFile = "aide.yaml"

// loadConfig resolves configuration: an explicit path wins, then the
// AIDE_CONFIG env var, then aide.yaml in the working directory, then the
// built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("AIDE_CONFIG")
	}
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return config.Load(defaultConfigFile)
	}
	return config.Default(), nil
}

// runServe starts the hosted core: client gateway plus the optional
// Prometheus endpoint, then blocks until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if cfg.Mode != config.ModeHosted {
		slog.Info("serve runs the hosted core", "configured_mode", cfg.Mode)
		cfg.Mode = config.ModeHosted
	}

	core, err := buildCore(ctx, cfg, coreOptions{})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := core.gateway.Start(ctx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	slog.Info("aide core started",
		"version", version,
		"gateway_addr", core.gateway.Addr(),
		"metrics_enabled", cfg.Metrics.Enabled,
		"tools", core.catalog.Count(),
	)

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := core.gateway.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown failed", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}
	return core.close(shutdownCtx)
}

// chatOptions carries the chat command's flags.
type chatOptions struct {
	configPath  string
	sessionID   string
	model       string
	text        string
	autoApprove bool
}

// runChat performs one assistant turn in desktop mode. The reply goes to
// stdout; logs, prompts, and task outcomes go to stderr.
func runChat(ctx context.Context, opts chatOptions) error {
	if strings.TrimSpace(opts.text) == "" {
		return errors.New("nothing to send: pass the utterance with -m or as arguments")
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// chat is the desktop surface regardless of the configured mode.
	cfg.Mode = config.ModeDesktop

	core, err := buildCore(ctx, cfg, coreOptions{
		modelOverride: opts.model,
		logOutput:     os.Stderr,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if cerr := core.close(closeCtx); cerr != nil {
			slog.Warn("shutdown incomplete", "error", cerr)
		}
	}()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	core.local.Approver = terminalApprover(os.Stdin, os.Stderr, opts.autoApprove)
	core.local.OnAcknowledge = func(_, message string) {
		fmt.Fprintf(os.Stderr, "• %s\n", message)
	}

	result, err := core.assistant.HandleUtterance(ctx, opts.sessionID, opts.text)
	core.local.Wait()
	if err != nil {
		if result != nil && result.Reply != "" {
			fmt.Println(result.Reply)
		}
		return err
	}

	fmt.Println(result.Reply)
	if result.PlanSeeded && result.Summary != nil {
		fmt.Fprintf(os.Stderr, "\n%d task(s) completed, %d failed\n",
			result.Summary.TasksCompleted, result.Summary.TasksFailed)
		for taskID, msg := range result.Summary.Messages {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", taskID, msg)
		}
	}
	return nil
}

// terminalApprover prompts on the terminal for gated tasks. Prompts go to
// errOut so replies stay clean on stdout. An expired prompt denies.
func terminalApprover(in io.Reader, errOut io.Writer, autoApprove bool) emitter.ApproverFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, _, taskID, question string) bool {
		if autoApprove {
			fmt.Fprintf(errOut, "auto-approving %s: %s\n", taskID, question)
			return true
		}
		fmt.Fprintf(errOut, "\n%s [y/N] ", question)
		answerCh := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			answerCh <- line
		}()
		select {
		case <-ctx.Done():
			fmt.Fprintln(errOut, "(no answer, denied)")
			return false
		case line := <-answerCh:
			answer := strings.ToLower(strings.TrimSpace(line))
			return answer == "y" || answer == "yes"
		}
	}
}

// runTools prints the catalog, optionally filtered by target or category.
func runTools(out io.Writer, configPath, target, category string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	catalog := registry.New()
	if cfg.Registry.Path != "" {
		err = catalog.LoadFile(cfg.Registry.Path)
	} else {
		err = catalog.Load(registry.DefaultDocument())
	}
	if err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}

	shown := 0
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTARGET\tCATEGORY\tDESCRIPTION")
	for _, name := range catalog.Names() {
		meta, ok := catalog.Get(name)
		if !ok {
			continue
		}
		if target != "" && string(meta.ExecutionTarget) != target {
			continue
		}
		if category != "" && meta.Category != category {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", meta.ToolName, meta.ExecutionTarget, meta.Category, meta.Description)
		shown++
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d of %d tools (registry version %s)\n", shown, catalog.Count(), catalog.Version())
	return nil
}

// runConfigValidate loads a config file strictly and reports the result.
func runConfigValidate(out io.Writer, path string) error {
	if path == "" {
		path = os.Getenv("AIDE_CONFIG")
	}
	if path == "" {
		path = defaultConfigFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: OK (mode %s, provider chain %s)\n",
		path, cfg.Mode, strings.Join(cfg.LLM.FallbackChain, " > "))
	return nil
}

// runConfigSchema prints the reflected configuration schema.
func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", schema)
	return err
}
