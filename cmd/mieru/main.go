// Package main is the Mieru CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/mieru/internal/cli"
	"github.com/hyperjump/mieru/internal/config"
	"github.com/hyperjump/mieru/internal/embedding"
	"github.com/hyperjump/mieru/internal/index"
	"github.com/hyperjump/mieru/internal/indexer"
	"github.com/hyperjump/mieru/internal/models"
	"github.com/hyperjump/mieru/internal/search"
	"github.com/hyperjump/mieru/internal/server"
	"github.com/hyperjump/mieru/internal/session"
	"github.com/hyperjump/mieru/internal/storage"
	"github.com/hyperjump/mieru/internal/watcher"
	"github.com/hyperjump/mieru/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/mieru/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks
// for config.yaml in the current directory (for development); if that exists
// it is used, so that "mieru server" from the project dir uses the project's
// config (including debug). Returns the config and the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "index":
		runIndex()
	case "related":
		runRelated()
	case "sessions":
		runSessions()
	case "profiles":
		runProfiles()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("mieru version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (indexing runs, watcher events, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, debugMode)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watchSvc *watcher.Watcher
	if cfg.Indexing.WatchEnabledOrDefault() {
		watchOpts := []watcher.WatcherOption{}
		if debugMode {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		watchSvc = watcher.NewWatcher(components.Indexer, watchOpts...)
		if err := watchSvc.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		defer watchSvc.Stop()
		profiles, err := components.Storage.ListProfiles(ctx)
		if err != nil {
			logger.Fatal("Failed to list profiles", zap.Error(err))
		}
		for _, p := range profiles {
			if err := watchSvc.WatchProfile(p.ID, p.Settings.MonitoredFolders); err != nil {
				logger.Warn("failed to watch profile folders",
					zap.String("profile", p.ID), zap.Error(err))
			}
		}
	}

	sched := indexer.NewScheduler(components.Indexer, cfg.Indexing.Interval(), logger)
	go sched.Run(ctx)

	srv := server.NewServer(
		components.Engine,
		components.Indexer,
		components.Storage,
		components.Sessions,
		watchSvc,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

// Components holds initialized services.
type Components struct {
	Storage  storage.Storage
	Provider *embedding.Provider
	Store    *index.Store
	Engine   *search.Engine
	Indexer  *indexer.Indexer
	Sessions *session.Aggregator
}

func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Provider != nil {
		_ = c.Provider.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, debug bool) (*Components, error) {
	st, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if _, err := st.EnsureDefaultProfile(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to ensure default profile: %w", err)
	}

	store, err := index.NewStore(cfg.Storage.IndexDir, cfg.Embedding.Dimensions)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	providerOpts := []embedding.ProviderOption{}
	if debug && logger != nil {
		providerOpts = append(providerOpts, embedding.WithLogger(logger))
	}
	provider := embedding.NewProvider(&cfg.Embedding, providerOpts...)

	idxOpts := []indexer.IndexerOption{}
	if debug && logger != nil {
		idxOpts = append(idxOpts, indexer.WithLogger(logger))
	}
	idx := indexer.NewIndexer(st, provider, store, idxOpts...)

	engineOpts := []search.EngineOption{search.WithIndexTrigger(idx)}
	if debug && logger != nil {
		engineOpts = append(engineOpts, search.WithLogger(logger))
	}
	engine := search.NewEngine(st, provider, store, &cfg.Search, engineOpts...)

	sessionOpts := []session.AggregatorOption{}
	if debug && logger != nil {
		sessionOpts = append(sessionOpts, session.WithLogger(logger))
	}
	sessions := session.NewAggregator(st, sessionOpts...)

	return &Components{
		Storage:  st,
		Provider: provider,
		Store:    store,
		Engine:   engine,
		Indexer:  idx,
		Sessions: sessions,
	}, nil
}

// resolveProfileID returns the given profile id, or the server's default
// profile when empty.
func resolveProfileID(serverURL, profileID string) (string, error) {
	if profileID != "" {
		return profileID, nil
	}
	var profiles []*models.Profile
	if err := getJSON(serverURL+"/api/v1/profiles", &profiles); err != nil {
		return "", err
	}
	for _, p := range profiles {
		if p.IsDefault {
			return p.ID, nil
		}
	}
	if len(profiles) > 0 {
		return profiles[0].ID, nil
	}
	return "", fmt.Errorf("no profiles exist on the server")
}

// imageList collects repeated --image flags.
type imageList []string

func (l *imageList) String() string { return strings.Join(*l, ",") }

func (l *imageList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// searchArgsReorder moves any flags (and their values) that appear after the
// query to the front of the slice so that flag.Parse() sees them. Go's flag
// package stops at the first non-flag argument, so "mieru search sunset
// -limit 5" would otherwise leave -limit unparsed.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildQueryText joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQueryText(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	profileID := fs.String("profile", "", "profile id (default: the server's default profile)")
	limit := fs.Int("limit", 0, "number of results (default: profile setting)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	var images imageList
	fs.Var(&images, "image", "image file for query-by-example (repeatable)")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	text := buildQueryText(fs.Args())
	if text == "" && len(images) == 0 {
		fmt.Println("Usage: mieru search [flags] <text>  (and/or --image <file>)")
		os.Exit(1)
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	encoded := make([]string, 0, len(images))
	paths := make([]string, 0, len(images))
	for _, imgPath := range images {
		raw, err := os.ReadFile(imgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
			os.Exit(1)
		}
		encoded = append(encoded, base64.StdEncoding.EncodeToString(raw))
		abs, _ := filepath.Abs(imgPath)
		paths = append(paths, abs)
	}

	pid, err := resolveProfileID(*serverURL, *profileID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve profile: %v\n", err)
		os.Exit(1)
	}

	body := map[string]interface{}{"text": text, "limit": *limit}
	if len(encoded) > 0 {
		body["images"] = encoded
		body["image_paths"] = paths
	}
	var response models.SearchResponse
	if err := postJSON(*serverURL+"/api/v1/profiles/"+pid+"/search", body, &response); err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, &response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runRelated() {
	fs := flag.NewFlagSet("related", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	profileID := fs.String("profile", "", "profile id (default: the server's default profile)")
	limit := fs.Int("limit", 0, "number of results (default: profile setting)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: mieru related [flags] <image-id>")
		os.Exit(1)
	}
	imageID := fs.Arg(0)
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	pid, err := resolveProfileID(*serverURL, *profileID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve profile: %v\n", err)
		os.Exit(1)
	}

	u := fmt.Sprintf("%s/api/v1/profiles/%s/images/%s/related?limit=%d", *serverURL, pid, imageID, *limit)
	var response models.SearchResponse
	if err := getJSON(u, &response); err != nil {
		fmt.Fprintf(os.Stderr, "Related search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, &response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	profileID := fs.String("profile", "", "profile id (default: the server's default profile)")
	force := fs.Bool("force", false, "wait for a running pass to finish instead of bailing out")
	_ = fs.Parse(os.Args[2:])

	pid, err := resolveProfileID(*serverURL, *profileID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve profile: %v\n", err)
		os.Exit(1)
	}

	u := *serverURL + "/api/v1/profiles/" + pid + "/index"
	if *force {
		u += "?force=true"
	}
	var result models.IndexResult
	if err := postJSON(u, nil, &result); err != nil {
		fmt.Fprintf(os.Stderr, "Indexing failed: %v\n", err)
		os.Exit(1)
	}
	if result.AlreadyRunning {
		fmt.Println("Indexing already in progress for this profile")
		return
	}
	fmt.Printf("Indexed %d new image(s)\n", len(result.IndexedIDs))
}

func runSessions() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: mieru sessions <list|get|delete> [flags] [id]")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	profileID := fs.String("profile", "", "profile id (default: the server's default profile)")
	filter := fs.String("filter", "", "substring filter on session names and query text")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(searchArgsReorder(os.Args[3:]))

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	switch sub {
	case "list":
		pid, err := resolveProfileID(*serverURL, *profileID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve profile: %v\n", err)
			os.Exit(1)
		}
		u := *serverURL + "/api/v1/profiles/" + pid + "/sessions"
		if *filter != "" {
			u += "?filter=" + url.QueryEscape(*filter)
		}
		var sessions []*models.Session
		if err := getJSON(u, &sessions); err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteSessions(os.Stdout, sessions, format)
	case "get":
		if fs.NArg() < 1 {
			fmt.Println("Usage: mieru sessions get <id>")
			os.Exit(1)
		}
		var sess models.Session
		if err := getJSON(*serverURL+"/api/v1/sessions/"+fs.Arg(0), &sess); err != nil {
			fmt.Fprintf(os.Stderr, "Get failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteSessions(os.Stdout, []*models.Session{&sess}, format)
	case "delete":
		if fs.NArg() < 1 {
			fmt.Println("Usage: mieru sessions delete <id>")
			os.Exit(1)
		}
		if err := deleteJSON(*serverURL + "/api/v1/sessions/" + fs.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Session deleted: %s\n", fs.Arg(0))
	default:
		fmt.Printf("Unknown sessions subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func runProfiles() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: mieru profiles <list|create|delete> [flags] [args]")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("profiles", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(searchArgsReorder(os.Args[3:]))

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	switch sub {
	case "list":
		var profiles []*models.Profile
		if err := getJSON(*serverURL+"/api/v1/profiles", &profiles); err != nil {
			fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteProfiles(os.Stdout, profiles, format)
	case "create":
		if fs.NArg() < 1 {
			fmt.Println("Usage: mieru profiles create <name>")
			os.Exit(1)
		}
		var profile models.Profile
		if err := postJSON(*serverURL+"/api/v1/profiles", map[string]string{"name": fs.Arg(0)}, &profile); err != nil {
			fmt.Fprintf(os.Stderr, "Create failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Profile created: %s\n", profile.ID)
	case "delete":
		if fs.NArg() < 1 {
			fmt.Println("Usage: mieru profiles delete <id>")
			os.Exit(1)
		}
		if err := deleteJSON(*serverURL + "/api/v1/profiles/" + fs.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Profile deleted: %s\n", fs.Arg(0))
	default:
		fmt.Printf("Unknown profiles subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status map[string]interface{}
	if err := getJSON(*serverURL+"/api/v1/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
	case "text":
		if v, ok := status["profiles"]; ok {
			fmt.Printf("profiles:          %v\n", v)
		}
		if v, ok := status["disk_usage_bytes"]; ok {
			fmt.Printf("disk_usage_bytes:  %v\n", v)
		}
		if cfg, ok := status["config"].(map[string]interface{}); ok {
			fmt.Println()
			fmt.Println("# configuration")
			for _, key := range []string{"embedding_dimensions", "database_path", "index_dir", "watch_enabled", "interval_minutes"} {
				if v, ok := cfg[key]; ok {
					fmt.Printf("%-22s %v\n", key+":", v)
				}
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown output format %q; use text or json\n", *outputFormat)
		os.Exit(1)
	}
}

func getJSON(u string, out interface{}) error {
	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(u string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := http.Post(u, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func deleteJSON(u string) error {
	req, err := http.NewRequest(http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func printUsage() {
	fmt.Println(`mieru - Personal semantic image search

Usage:
  mieru server [flags]              Start the HTTP server
  mieru search [flags] <text>       Search images by text (add --image for query-by-example)
  mieru related [flags] <image-id>  Find images similar to an indexed image
  mieru index [flags]               Run an incremental indexing pass
  mieru sessions <list|get|delete>  Manage search history
  mieru profiles <list|create|delete>  Manage profiles
  mieru status [flags]              Show server status
  mieru version                     Show version
  mieru help                        Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/mieru/config.yaml)
  --debug            Enable debug logging (indexing runs, watcher events, etc.)

Common Client Flags:
  --server string    Server URL (default: http://localhost:8080)
  --profile string   Profile id (default: the server's default profile)
  --output string    Output format: text or json (default: text)

Examples:
  mieru server
  mieru search sunset over mountains
  mieru search --image photo.jpg
  mieru search beach --image photo.jpg --limit 10
  mieru related img_3a7f9c
  mieru index --force
  mieru sessions list --filter sunset
  mieru profiles create "Family photos"`)
}
