package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/billioG/reintegros/internal/connectivity"
	"github.com/billioG/reintegros/internal/expense"
	"github.com/billioG/reintegros/internal/recognize"
	"github.com/billioG/reintegros/internal/remote"
	"github.com/billioG/reintegros/internal/server"
	"github.com/billioG/reintegros/internal/syncer"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("reintegros")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "reintegros.db", "Database file path")
		scriptURL      = fs.StringLong("script-url", "", "Apps Script endpoint URL for the spreadsheet sink (empty leaves records pending)")
		recognizerType = fs.StringLong("recognizer", "gemini", "Text recognizer: 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		pollInterval   = fs.DurationLong("poll-interval", 5*time.Second, "Connectivity poll interval")
		debounce       = fs.DurationLong("debounce", 3*time.Second, "Connectivity transition debounce window")
		settleDelay    = fs.DurationLong("settle-delay", 2*time.Second, "Delay before the startup sync run")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("REINTEGROS"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize the record store
	slog.Info("Initializing record store...")
	store, err := expense.NewBoltStore(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize record store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Initialize recognizer based on type
	var recognizer recognize.Recognizer
	switch *recognizerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini recognizer...", "model", *geminiModel)
		recognizer, err = recognize.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", *ollamaURL, "model", *ollamaModel)
		recognizer, err = recognize.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid recognizer type", "type", *recognizerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer recognizer.Close()

	// Remote sinks: one Apps Script deployment serves rows and images
	if *scriptURL == "" {
		slog.Warn("No script URL configured, records will stay pending until one is set")
	}
	script := remote.NewScriptClient(*scriptURL)

	// Connectivity monitor
	monitor := connectivity.NewMonitor(&connectivity.InterfaceProber{}, *pollInterval, *debounce)

	// Sync engine
	engine := syncer.NewEngine(store, script, script, monitor)
	monitor.Subscribe(func(online bool) {
		if online {
			engine.Trigger(syncer.ReasonConnectivity)
		}
	})
	monitor.Start()
	defer monitor.Stop()

	// Capture service and HTTP server
	service := expense.NewService(store, recognizer, engine)
	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.NewServer(service, engine, monitor, basicAuth)

	// Startup sync after a short settling delay
	startupTimer := time.AfterFunc(*settleDelay, func() {
		engine.Trigger(syncer.ReasonStartup)
	})
	defer startupTimer.Stop()

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}
