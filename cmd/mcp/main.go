// Command mcp lets an MCP client (an agent runtime) drive the settlement API
// over stdio. Stdout carries the protocol, so all logging goes to stderr.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/mcpserver"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	apiURL := flag.String("api", os.Getenv("SETTLEMENT_API_URL"), "settlement API base URL")
	apiKey := flag.String("key", os.Getenv("SETTLEMENT_API_KEY"), "API key of the acting account")
	flag.Parse()

	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "json")
	if *apiURL == "" {
		*apiURL = "http://localhost:8080"
	}
	if *apiKey == "" {
		logger.Error("missing API key", "hint", "set SETTLEMENT_API_KEY or pass -key")
		os.Exit(2)
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{APIURL: *apiURL, APIKey: *apiKey}, version)
	logger.Info("mcp bridge ready", "api", *apiURL, "version", version)

	errLog := slog.NewLogLogger(logger.Handler(), slog.LevelError)
	if err := server.ServeStdio(s, server.WithErrorLogger(errLog)); err != nil {
		logger.Error("mcp stdio loop ended", "error", err)
		os.Exit(1)
	}
}
