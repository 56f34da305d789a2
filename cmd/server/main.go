package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/relaychat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "~/.relaychat/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	httpPort := flag.Int("http-port", -1, "HTTP port for WebSocket/health/metrics, 0 to disable (overrides config)")
	usersPath := flag.String("users", "", "Path to users JSON file (overrides config)")
	historyPath := flag.String("history", "", "Path to SQLite history database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Handle --version flag
	if *version {
		fmt.Printf("Relaychat Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *httpPort >= 0 {
		config.Server.HTTPPort = *httpPort
	}
	if *usersPath != "" {
		config.Server.UsersPath = *usersPath
	}
	if *historyPath != "" {
		config.Server.HistoryPath = *historyPath
	}

	serverConfig, err := config.ToServerConfig()
	if err != nil {
		log.Fatalf("Failed to resolve config paths: %v", err)
	}

	// Ensure store directories exist
	for _, path := range []string{serverConfig.UsersPath, serverConfig.HistoryPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			log.Fatalf("Failed to create data directory for %s: %v", path, err)
		}
	}

	// Create and start server
	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}
	srv.EnableMetrics()

	log.Printf("Config: %s (using defaults if not found)", *configPath)
	log.Printf("Users store: %s", serverConfig.UsersPath)
	log.Printf("History database: %s", serverConfig.HistoryPath)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Relaychat server %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - NDJSON over TCP: port %d", serverConfig.TCPPort)
	if serverConfig.HTTPPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", serverConfig.HTTPPort, serverConfig.HTTPPort)
		log.Printf("  - Health/metrics: http://localhost:%d/health", serverConfig.HTTPPort)
	} else {
		log.Printf("HTTP server disabled (http_port=0)")
	}
	if serverConfig.CodeRotationSeconds > 0 {
		log.Printf("Contact code rotation: every %ds (TTL %ds)", serverConfig.CodeRotationSeconds, serverConfig.CodeTTLSeconds)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
