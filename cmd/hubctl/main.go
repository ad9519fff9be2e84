// Command hubctl is a command-line client for a StateHub server.
//
// It connects to a hub over WebSocket, authenticates with an access
// token, and exposes the hub's state and object tree through an
// interactive shell. Tokens are persisted in a state directory so that
// several hubctl instances (and restarts) share one refreshed
// credential.
//
// Usage:
//
//	hubctl [flags]
//
// Flags:
//
//	-config string       Configuration file path (YAML)
//	-url string          Hub WebSocket URL (ws:// or wss://)
//	-discover            Discover the hub via mDNS instead of -url
//	-interface string    Network interface for discovery
//	-token string        Initial access token
//	-refresh-token string Initial refresh token
//	-token-url string    OAuth token endpoint for refreshes
//	-state-dir string    Directory for persisted tokens
//	-locale string       Locale override (default derived from the hub)
//	-snapshot string     State pattern to preload on connect
//	-log-level string    Log level: debug, info, warn, error (default "info")
//	-log-file string     Write client events to a CBOR log file
//	-interactive         Enable the interactive shell (default true)
//
// Examples:
//
//	# Connect to a known hub
//	hubctl -url ws://hub.local:8084/ws -token $TOKEN
//
//	# Discover the hub on the LAN and keep tokens across restarts
//	hubctl -discover -token $TOKEN -refresh-token $REFRESH \
//	    -token-url https://hub.local/oauth/token -state-dir ~/.hubctl
//
//	# Use a configuration file
//	hubctl -config ~/.hubctl/config.yaml
//
// Interactive Commands:
//
//	state get <id>         - Read one state
//	state set <id> <value> - Write a state value
//	states <pattern>       - Read all states matching a pattern
//	object get <id>        - Read one object
//	objects <pattern>      - Read all objects matching a pattern
//	watch <pattern>        - Subscribe to state changes
//	unwatch <pattern>      - Remove a watch
//	send <inst> <cmd>      - Send a command to an adapter instance
//	version                - Show hub version
//	status                 - Show connection status
//	quit                   - Exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/statehub-protocol/statehub-go/cmd/hubctl/interactive"
	"github.com/statehub-protocol/statehub-go/pkg/discovery"
	"github.com/statehub-protocol/statehub-go/pkg/engine"
	"github.com/statehub-protocol/statehub-go/pkg/kvstore"
	clientlog "github.com/statehub-protocol/statehub-go/pkg/log"
	"github.com/statehub-protocol/statehub-go/pkg/token"
	"github.com/statehub-protocol/statehub-go/pkg/transport"
)

// appVersion is reported to the hub in the session handshake.
const appVersion = "hubctl/1.0.0"

// Config holds the hubctl configuration.
// It implements interactive.ShellConfig.
type Config struct {
	ConfigFile string

	URL             string `yaml:"url"`
	Discover        bool   `yaml:"discover"`
	Interface       string `yaml:"interface"`
	Token           string `yaml:"token"`
	RefreshToken    string `yaml:"refreshToken"`
	TokenURL        string `yaml:"tokenUrl"`
	StateDir        string `yaml:"stateDir"`
	Locale          string `yaml:"locale"`
	SnapshotPattern string `yaml:"snapshot"`
	LogLevel        string `yaml:"logLevel"`
	LogFile         string `yaml:"logFile"`
	Interactive     bool   `yaml:"interactive"`
}

// HubURL implements interactive.ShellConfig.
func (c *Config) HubURL() string {
	return c.URL
}

var config = Config{
	LogLevel:    "info",
	Interactive: true,
}

func init() {
	flag.StringVar(&config.ConfigFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&config.URL, "url", "", "Hub WebSocket URL (ws:// or wss://)")
	flag.BoolVar(&config.Discover, "discover", false, "Discover the hub via mDNS instead of -url")
	flag.StringVar(&config.Interface, "interface", "", "Network interface for discovery")
	flag.StringVar(&config.Token, "token", "", "Initial access token")
	flag.StringVar(&config.RefreshToken, "refresh-token", "", "Initial refresh token")
	flag.StringVar(&config.TokenURL, "token-url", "", "OAuth token endpoint for refreshes")
	flag.StringVar(&config.StateDir, "state-dir", "", "Directory for persisted tokens")
	flag.StringVar(&config.Locale, "locale", "", "Locale override")
	flag.StringVar(&config.SnapshotPattern, "snapshot", "", "State pattern to preload on connect")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&config.LogFile, "log-file", "", "Write client events to a CBOR log file")
	flag.BoolVar(&config.Interactive, "interactive", true, "Enable the interactive shell")
}

func main() {
	flag.Parse()

	if config.ConfigFile != "" {
		if err := loadConfigFile(config.ConfigFile, &config); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	setupLogging(config.LogLevel)

	eventLog, closeLog, err := buildEventLogger(config.LogFile)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if config.Discover || config.URL == "" {
		url, err := discoverHub(ctx)
		if err != nil {
			log.Fatalf("Hub discovery failed: %v", err)
		}
		config.URL = url
	}

	log.Printf("Hub: %s", config.URL)

	store, closeStore, err := buildStore(config.StateDir)
	if err != nil {
		log.Fatalf("Failed to open state directory: %v", err)
	}
	defer closeStore()

	var mgr *token.Manager
	tokens := func(sink token.Sink) *token.Manager {
		mgr = token.NewManager(token.Config{
			Shared:    store,
			Refresher: newOAuthRefresher(config.TokenURL),
			Sink:      sink,
			OnRecovery: func(err error) {
				log.Printf("Session unrecoverable: %v", err)
				log.Println("Obtain a fresh token and restart.")
				cancel()
			},
			Logger: eventLog,
		})
		return mgr
	}

	eng, err := engine.New(engine.Config{
		Transport: func(h transport.Handlers) (transport.Transport, error) {
			cfg := transport.DefaultConfig(config.URL)
			cfg.TokenProvider = currentToken(&mgr)
			cfg.AppVersion = appVersion
			cfg.Logger = eventLog
			return transport.NewWSTransport(cfg, h), nil
		},
		Tokens:          tokens,
		LoadPermissions: true,
		SnapshotPattern: config.SnapshotPattern,
		Locale:          config.Locale,
		Logger:          eventLog,
		OnFatal: func(err error) {
			log.Printf("Connection failed permanently: %v", err)
			cancel()
		},
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	if err := seedTokens(mgr, config.Token, config.RefreshToken); err != nil {
		log.Fatalf("Failed to store initial tokens: %v", err)
	}

	removeObserver := eng.Observe(func(s engine.State) {
		slog.Debug("connection state", "state", s.String())
	})
	defer removeObserver()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := eng.WaitReady(waitCtx); err != nil {
		waitCancel()
		log.Fatalf("Hub connection not ready: %v", err)
	}
	waitCancel()
	log.Printf("Connected (hub version %s, locale %s)", hubVersion(ctx, eng), eng.Locale())

	if config.Interactive {
		sh, err := interactive.New(eng, &config)
		if err != nil {
			log.Fatalf("Failed to create interactive shell: %v", err)
		}
		// Redirect log output through readline to avoid interfering with input
		log.SetOutput(sh.Stdout())
		go sh.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
		// Cancelled by the quit command or a fatal connection error.
	}

	log.Println("Shutting down...")
	cancel()

	if err := eng.Close(); err != nil {
		log.Printf("Error closing engine: %v", err)
	}

	log.Println("Goodbye!")
}

// loadConfigFile fills config fields from a YAML file. Flags that were
// set explicitly on the command line win over file values.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["url"] && fileCfg.URL != "" {
		cfg.URL = fileCfg.URL
	}
	if !set["discover"] && fileCfg.Discover {
		cfg.Discover = true
	}
	if !set["interface"] && fileCfg.Interface != "" {
		cfg.Interface = fileCfg.Interface
	}
	if !set["token"] && fileCfg.Token != "" {
		cfg.Token = fileCfg.Token
	}
	if !set["refresh-token"] && fileCfg.RefreshToken != "" {
		cfg.RefreshToken = fileCfg.RefreshToken
	}
	if !set["token-url"] && fileCfg.TokenURL != "" {
		cfg.TokenURL = fileCfg.TokenURL
	}
	if !set["state-dir"] && fileCfg.StateDir != "" {
		cfg.StateDir = fileCfg.StateDir
	}
	if !set["locale"] && fileCfg.Locale != "" {
		cfg.Locale = fileCfg.Locale
	}
	if !set["snapshot"] && fileCfg.SnapshotPattern != "" {
		cfg.SnapshotPattern = fileCfg.SnapshotPattern
	}
	if !set["log-level"] && fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if !set["log-file"] && fileCfg.LogFile != "" {
		cfg.LogFile = fileCfg.LogFile
	}
	return nil
}

func setupLogging(level string) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// buildEventLogger assembles the client event logger: slog always, plus
// a CBOR file log when requested.
func buildEventLogger(path string) (clientlog.Logger, func(), error) {
	slogLogger := clientlog.NewSlogAdapter(slog.Default())
	if path == "" {
		return slogLogger, func() {}, nil
	}

	fileLogger, err := clientlog.NewFileLogger(path)
	if err != nil {
		return nil, nil, err
	}
	return clientlog.NewMultiLogger(slogLogger, fileLogger), func() { _ = fileLogger.Close() }, nil
}

// buildStore opens the shared token store. Without a state directory,
// tokens live in process memory only.
func buildStore(dir string) (kvstore.Store, func(), error) {
	if dir == "" {
		store := kvstore.NewMemoryStore()
		client := store.NewClient()
		return client, func() { _ = client.Close() }, nil
	}

	fs, err := kvstore.NewFileStore(dir)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() { _ = fs.Close() }, nil
}

// currentToken returns a provider reading the freshest access token
// from the manager. The indirection exists because the manager is built
// inside the engine's factory, after the transport config is assembled.
func currentToken(mgr **token.Manager) func() (string, bool) {
	return func() (string, bool) {
		m := *mgr
		if m == nil {
			return "", false
		}
		rec, ok := m.Current()
		if !ok || rec.AccessToken == "" {
			return "", false
		}
		return rec.AccessToken, true
	}
}

// seedTokens stores the command-line tokens unless the store already
// carries a record (a previous run, or another running instance).
func seedTokens(mgr *token.Manager, access, refresh string) error {
	if access == "" {
		return nil
	}
	if _, ok := mgr.Current(); ok {
		log.Println("Using stored tokens (ignoring -token)")
		return nil
	}
	rec := token.Record{
		AccessToken:  access,
		RefreshToken: refresh,
		Persistence:  token.PersistDurable,
	}
	if exp, err := token.AccessExpiryFromJWT(access); err == nil {
		rec.AccessExpiry = exp
	} else {
		// Opaque token; treat it as a long-lived session credential.
		rec.AccessExpiry = time.Now().Add(24 * time.Hour)
	}
	if refresh != "" {
		rec.RefreshExpiry = time.Now().Add(30 * 24 * time.Hour)
	}
	return mgr.SetRecord(rec)
}

func discoverHub(ctx context.Context) (string, error) {
	log.Println("Discovering hub via mDNS...")

	browser := discovery.NewBrowser(discovery.BrowserConfig{Interface: config.Interface})
	findCtx, findCancel := context.WithTimeout(ctx, discovery.BrowseTimeout)
	defer findCancel()

	hub, err := browser.FindFirst(findCtx)
	if err != nil {
		return "", err
	}
	log.Printf("Found hub %q at %s (version %s)", hub.InstanceName, hub.URL(), hub.Version)
	return hub.URL(), nil
}

func hubVersion(ctx context.Context, eng *engine.Engine) string {
	vctx, vcancel := context.WithTimeout(ctx, 5*time.Second)
	defer vcancel()

	v, err := eng.Version(vctx)
	if err != nil {
		return "unknown"
	}
	return v
}
