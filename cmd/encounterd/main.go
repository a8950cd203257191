package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dmforge/encounterd/internal/auth"
	"github.com/dmforge/encounterd/internal/config"
	"github.com/dmforge/encounterd/internal/hub"
	"github.com/dmforge/encounterd/internal/logger"
	"github.com/dmforge/encounterd/internal/roster"
	"github.com/dmforge/encounterd/internal/store"
)

func main() {
	// Parse command-line flags
	wsPort := flag.Int("wsport", 4443, "WebSocket server port")
	configFile := flag.String("config", "data/server.yaml", "Path to server config YAML file")
	rosterFile := flag.String("roster", "", "Path to roster YAML file (optional)")
	addToken := flag.String("add-token", "", "Generate a token for a caller id and exit")
	tokenRole := flag.String("role", auth.RoleGamemaster, "Role for --add-token (admin, gamemaster, player)")
	flag.Parse()

	// Load config before anything else; logger setup depends on it
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Handle --add-token (writes the token file and exits)
	if *addToken != "" {
		handleAddToken(*addToken, *tokenRole, cfg.Auth.TokenFile)
		return
	}

	logger.Initialize(cfg.Logging)
	logger.Info("Starting encounterd")

	// Open the snapshot store
	db, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open snapshot store: %v", err)
	}
	defer db.Close()
	logger.Info("Snapshot store opened", "driver", cfg.Database.Driver)

	// Load the API token registry
	registry, err := auth.LoadRegistry(cfg.Auth.TokenFile)
	if err != nil {
		log.Fatalf("Failed to load token registry: %v", err)
	}

	// Load the optional roster file
	var rosterCfg *roster.Config
	if *rosterFile != "" {
		rosterCfg, err = roster.LoadFromYAML(*rosterFile)
		if err != nil {
			log.Fatalf("Failed to load roster: %v", err)
		}
		logger.Info("Roster loaded",
			"path", *rosterFile,
			"combatants", len(rosterCfg.Combatants),
			"parties", len(rosterCfg.Parties))
	}

	// Wire the hub and its access policy
	h := hub.NewHub(cfg.Session, db, registry, rosterCfg)
	h.SetAccessControl(auth.NewOwnerPolicy(h.Owner, registry))
	h.Start()

	srv := hub.NewServer(cfg, h)

	wsAddr := fmt.Sprintf(":%d", *wsPort)
	go func() {
		if err := srv.Start(wsAddr); err != nil {
			log.Fatalf("WebSocket server error: %v", err)
		}
	}()

	logger.Info("Encounter server running", "websocket_port", *wsPort)
	logger.Info("Press Ctrl+C to shutdown")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Server stopped")
}

// handleAddToken generates a token for the caller and exits. The printed
// token is the only copy; the file stores just the hash.
func handleAddToken(callerID, role, tokenFile string) {
	token, err := auth.AddTokenToFile(tokenFile, callerID, role, uuid.NewString())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Token for %s (%s):\n%s\n", callerID, role, token)
}
