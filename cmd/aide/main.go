// Package main provides the CLI entry point for the aide assistant core.
//
// aide turns natural-language requests into validated tool execution
// plans and drives them to completion. Server-side builtins run in
// process; client-target tasks run on this machine in desktop mode or on
// a connected desktop client in hosted mode.
//
// # Basic Usage
//
// One assistant turn on this machine (desktop mode):
//
//	aide chat -m "save a note that says hello"
//
// Start the hosted core with the websocket client gateway:
//
//	aide serve --config aide.yaml
//
// Inspect the tool catalog:
//
//	aide tools --target client
//
// # Environment Variables
//
//   - AIDE_CONFIG: path to the configuration file (default: aide.yaml)
//   - GEMINI_API_KEYS: comma-separated Gemini API key pool
//   - GROQ_API_KEYS: comma-separated Groq API key pool
//   - ANTHROPIC_API_KEYS: comma-separated Anthropic API key pool
//   - OPENAI_API_KEY: OpenAI key for semantic memory embeddings
//
// Single-key forms (GEMINI_API_KEY etc.) are accepted as well. A .env
// file in the working directory is loaded at startup when present.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// Build information, populated by ldflags.
//
// Example:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env file, continuing with existing environment", "error", err)
	}

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
