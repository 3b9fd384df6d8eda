/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the guild store fulfillment server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and environment
  2. Initialize SQLite store
  3. Create the entitlement client and notification sinks
  4. Wire the fulfillment workflow and HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: store.db)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  DISCORD_BOT_TOKEN   Authority credential (delivery fails without it)
  DISCORD_API_BASE    Override the API root (tests, proxies)
  MONITOR_GUILD_IDS   Comma-separated guilds for the stuck-order sweep

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop the monitor, stop accepting connections, wait
  for active requests (30s timeout), close the database, exit.

SEE ALSO:
  - api/server.go: router configuration
  - commerce/workflow.go: the state machine behind every action
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/warp/commerce-engine/api"
	"github.com/warp/commerce-engine/commerce"
	"github.com/warp/commerce-engine/entitlement"
	"github.com/warp/commerce-engine/notify"
	"github.com/warp/commerce-engine/store/sqlite"
)

type config struct {
	BotToken       string   `env:"DISCORD_BOT_TOKEN"`
	APIBase        string   `env:"DISCORD_API_BASE"`
	MonitorGuildID []string `env:"MONITOR_GUILD_IDS" envSeparator:","`
}

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "store.db", "SQLite database path")
	flag.Parse()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}
	if cfg.BotToken == "" {
		log.Println("Warning: DISCORD_BOT_TOKEN not set; order approval will fail with missing_bot_token")
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	var opts []entitlement.Option
	if cfg.APIBase != "" {
		opts = append(opts, entitlement.WithBaseURL(cfg.APIBase))
	}
	authority := entitlement.New(cfg.BotToken, opts...)
	events := notify.NewSlogEvents(slog.Default())

	workflow := commerce.NewWorkflow(store, store, store, authority)
	workflow.Notifier = notify.NewDiscordSink(cfg.BotToken, cfg.APIBase)
	workflow.Events = events
	workflow.Users = authority

	handler := api.NewHandler(store, workflow)
	router := api.NewRouter(handler)

	monitor := api.NewStuckOrderMonitor(workflow, events, cfg.MonitorGuildID)
	monitor.Start()
	defer monitor.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
