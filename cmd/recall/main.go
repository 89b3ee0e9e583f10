// Package main is the recall CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hyperjump/recall/internal/cli"
	"github.com/hyperjump/recall/internal/config"
	"github.com/hyperjump/recall/internal/embedding"
	"github.com/hyperjump/recall/internal/keyword"
	"github.com/hyperjump/recall/internal/memory"
	"github.com/hyperjump/recall/internal/models"
	"github.com/hyperjump/recall/internal/observability"
	"github.com/hyperjump/recall/internal/server"
	"github.com/hyperjump/recall/internal/storage"
	"github.com/hyperjump/recall/internal/watcher"
	"github.com/hyperjump/recall/pkg/utils"
	"go.uber.org/zap"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/recall/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// A missing default config is not an error: defaults apply.
// Returns the config and the path that was actually loaded ("" when only defaults apply).
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
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			var cfg config.Config
			config.ApplyDefaults(&cfg)
			return &cfg, "", nil
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
	case "init":
		runInit()
	case "append":
		runAppend()
	case "scan":
		runScan()
	case "index":
		runIndex()
	case "retrieve":
		runRetrieve()
	case "status":
		runStatus()
	case "agents":
		runAgents()
	case "version", "--version", "-v":
		fmt.Printf("recall version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// writeDefaultConfig saves the default configuration to path, creating its directory.
// An existing file is kept unless force is set.
func writeDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	return config.Save(path, &cfg)
}

func runInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path to write")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if err := writeDefaultConfig(*configPath, *force); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Wrote default config to %s\n", *configPath)
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (index passes, config reloads, etc.)")
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

	components, err := initializeComponents(context.Background(), cfg, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	// Open the default agent so its index is warm before the first request.
	if _, err := components.Manager.Open(context.Background(), cfg.Memory.DefaultAgent); err != nil {
		logger.Fatal("Failed to open default agent", zap.String("agent", cfg.Memory.DefaultAgent), zap.Error(err))
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if resolvedConfigPath != "" {
		watchOpts := []watcher.WatcherOption{watcher.WithLogger(logger)}
		mgr := components.Manager
		watchSvc := watcher.NewWatcher(resolvedConfigPath, func(next *config.Config) {
			if err := mgr.Reload(watchCtx, next); err != nil {
				logger.Warn("config reload rejected", zap.Error(err))
			}
		}, watchOpts...)
		if err := watchSvc.Start(watchCtx); err != nil {
			logger.Warn("config watcher not started", zap.Error(err))
		}
	}

	srv := server.NewServer(components.Manager, &cfg.Server, logger, components.Metrics)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// argsReorder moves any flags (and their values) that appear after the positional
// arguments to the front so that flag.Parse() sees them. Go's flag package stops at
// the first non-flag argument, so "recall retrieve vacation ideas -limit 3" would
// otherwise leave -limit unparsed.
func argsReorder(args []string) []string {
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

// joinArgs joins all positional args with spaces so multi-word text works
// the same with or without shell quoting.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// commonFlags are shared by every client subcommand.
type commonFlags struct {
	configPath *string
	serverURL  *string
	agent      *string
	output     *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", defaultConfigPath, "config file path (for direct storage mode)"),
		serverURL:  fs.String("server", defaultServerURL, "server URL (empty = use direct storage when server is not running)"),
		agent:      fs.String("agent", "", "agent namespace (default from config)"),
		output:     fs.String("output", "text", "output format: text or json"),
	}
}

func (c *commonFlags) format() cli.OutputFormat {
	return cli.ParseOutputFormat(*c.output)
}

// resolveAgent returns the agent flag, or the configured default agent.
func (c *commonFlags) resolveAgent() string {
	if *c.agent != "" {
		return *c.agent
	}
	cfg, _, err := loadConfig(*c.configPath)
	if err != nil || cfg == nil {
		return "default"
	}
	return cfg.Memory.DefaultAgent
}

// openDirect opens the configured storage without a server and returns the agent's memory.
// Callers must Close the returned components.
func (c *commonFlags) openDirect(ctx context.Context, agent string) (*Components, *memory.Memory) {
	cfg, _, err := loadConfig(*c.configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(ctx, cfg, logger, false)
	if err != nil {
		fail("Failed to initialize: %v", err)
	}
	mem, err := components.Manager.Open(ctx, agent)
	if err != nil {
		components.Close()
		fail("Failed to open agent %q: %v", agent, err)
	}
	return components, mem
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runAppend() {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	common := addCommonFlags(fs)
	role := fs.String("role", "user", "turn role: user, assistant or system")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	content := joinArgs(fs.Args())
	if content == "" {
		fmt.Println("Usage: recall append [flags] <content>")
		os.Exit(1)
	}
	agent := common.resolveAgent()
	ctx := context.Background()

	var turn models.Turn
	if *common.serverURL != "" {
		body := map[string]string{"role": *role, "content": content}
		if err := callAPI(http.MethodPost, agentURL(*common.serverURL, agent, "turns"), body, &turn); err != nil {
			fail("Append failed: %v", err)
		}
	} else {
		r, err := models.ParseRole(*role)
		if err != nil {
			fail("Append failed: %v", err)
		}
		components, mem := common.openDirect(ctx, agent)
		defer components.Close()
		t, err := mem.Append(ctx, models.TurnInput{Role: r, Content: content})
		if err != nil {
			fail("Append failed: %v", err)
		}
		turn = *t
	}
	if common.format() == cli.OutputJSON {
		_ = json.NewEncoder(os.Stdout).Encode(turn)
		return
	}
	fmt.Printf("Appended turn %d to %s\n", turn.SequenceID, agent)
}

type scanResponse struct {
	Turns []*models.Turn `json:"turns"`
	Count int            `json:"count"`
}

func runScan() {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	common := addCommonFlags(fs)
	role := fs.String("role", "", "only turns with this role")
	after := fs.Int64("after", 0, "only turns with a sequence id greater than this")
	limit := fs.Int("limit", 50, "maximum number of turns")
	_ = fs.Parse(os.Args[2:])

	agent := common.resolveAgent()
	ctx := context.Background()

	var turns []*models.Turn
	if *common.serverURL != "" {
		q := url.Values{}
		if *role != "" {
			q.Set("role", *role)
		}
		q.Set("after", strconv.FormatInt(*after, 10))
		q.Set("limit", strconv.Itoa(*limit))
		var resp scanResponse
		if err := callAPI(http.MethodGet, agentURL(*common.serverURL, agent, "turns")+"?"+q.Encode(), nil, &resp); err != nil {
			fail("Scan failed: %v", err)
		}
		turns = resp.Turns
	} else {
		filter := models.TurnFilter{AfterSequence: *after, Limit: *limit}
		if *role != "" {
			r, err := models.ParseRole(*role)
			if err != nil {
				fail("Scan failed: %v", err)
			}
			filter.Role = r
		}
		components, mem := common.openDirect(ctx, agent)
		defer components.Close()
		var err error
		turns, err = mem.Table().Scan(ctx, filter)
		if err != nil {
			fail("Scan failed: %v", err)
		}
	}
	if err := cli.WriteTurns(os.Stdout, turns, common.format()); err != nil {
		fail("Output failed: %v", err)
	}
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	common := addCommonFlags(fs)
	_ = fs.Parse(os.Args[2:])

	agent := common.resolveAgent()
	ctx := context.Background()

	var report *models.BuildReport
	if *common.serverURL != "" {
		report = &models.BuildReport{}
		if err := callAPI(http.MethodPost, agentURL(*common.serverURL, agent, "index"), nil, report); err != nil {
			fail("Index failed: %v", err)
		}
	} else {
		components, mem := common.openDirect(ctx, agent)
		defer components.Close()
		var err error
		report, err = mem.BuildOrUpdate(ctx)
		if err != nil {
			fail("Index failed: %v", err)
		}
	}
	if err := cli.WriteBuildReport(os.Stdout, report, common.format()); err != nil {
		fail("Output failed: %v", err)
	}
}

func printRetrieveUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: recall retrieve [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  recall retrieve vacation ideas
  recall retrieve --agent travel --limit 3 "where did I want to go"
  recall retrieve --mode hybrid --output json restaurant
`)
}

func runRetrieve() {
	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	common := addCommonFlags(fs)
	limit := fs.Int("limit", 0, "number of memories (0 = configured default)")
	mode := fs.String("mode", "", "retrieval mode: semantic or hybrid (default from config)")
	fs.Usage = func() { printRetrieveUsage(fs) }
	_ = fs.Parse(argsReorder(os.Args[2:]))

	query := joinArgs(fs.Args())
	if query == "" {
		printRetrieveUsage(fs)
		os.Exit(1)
	}
	agent := common.resolveAgent()
	req := &models.RetrieveRequest{Query: query, Limit: *limit, Mode: *mode}
	ctx := context.Background()

	var resp *models.RetrieveResponse
	if *common.serverURL != "" {
		resp = &models.RetrieveResponse{}
		if err := callAPI(http.MethodPost, agentURL(*common.serverURL, agent, "retrieve"), req, resp); err != nil {
			fail("Retrieve failed: %v", err)
		}
	} else {
		components, mem := common.openDirect(ctx, agent)
		defer components.Close()
		var err error
		resp, err = mem.Search(ctx, req)
		if err != nil {
			fail("Retrieve failed: %v", err)
		}
	}
	if err := cli.WriteRetrieval(os.Stdout, resp, common.format()); err != nil {
		fail("Output failed: %v", err)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := addCommonFlags(fs)
	_ = fs.Parse(os.Args[2:])

	agent := common.resolveAgent()
	ctx := context.Background()

	var status *models.IndexStatus
	if *common.serverURL != "" {
		status = &models.IndexStatus{}
		if err := callAPI(http.MethodGet, agentURL(*common.serverURL, agent, "status"), nil, status); err != nil {
			fail("Status failed: %v", err)
		}
	} else {
		components, mem := common.openDirect(ctx, agent)
		defer components.Close()
		var err error
		status, err = mem.Status(ctx)
		if err != nil {
			fail("Status failed: %v", err)
		}
	}
	if err := cli.WriteStatus(os.Stdout, status, common.format()); err != nil {
		fail("Output failed: %v", err)
	}
}

func runAgents() {
	fs := flag.NewFlagSet("agents", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[2:])

	var resp struct {
		Agents []string `json:"agents"`
	}
	if err := callAPI(http.MethodGet, strings.TrimRight(*serverURL, "/")+"/api/v1/agents", nil, &resp); err != nil {
		fail("List agents failed: %v", err)
	}
	for _, a := range resp.Agents {
		fmt.Println(a)
	}
}

// agentURL builds the API URL for one agent resource.
func agentURL(serverURL, agent, resource string) string {
	return strings.TrimRight(serverURL, "/") + "/api/v1/agents/" + url.PathEscape(agent) + "/" + resource
}

// callAPI sends in as a JSON body (when non-nil) and decodes the JSON response into out.
// Non-2xx responses become errors carrying the server's message.
func callAPI(method, target string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Components holds initialized services.
type Components struct {
	Storage      storage.Storage
	Embedder     embedding.Embedder
	KeywordIndex keyword.KeywordIndex
	Metrics      *observability.Metrics
	Manager      *memory.Manager
}

func (c *Components) Close() {
	if c.Manager != nil {
		_ = c.Manager.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// initializeComponents wires storage, embedder, keyword index and the memory manager.
// Background maintenance only runs in the long-lived server process.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, serve bool) (*Components, error) {
	c := &Components{}
	storeOpts := storage.Options{
		Driver:       cfg.Storage.Driver,
		DatabasePath: cfg.Storage.DatabasePath,
		DatabaseURL:  cfg.Storage.DatabaseURL,
	}
	store, err := storage.New(ctx, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	embedder, err := embedding.New(embedding.Options{
		Provider:   cfg.Embedding.Provider,
		ModelPath:  cfg.Embedding.ModelPath,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		MaxTokens:  cfg.Embedding.MaxTokens,
		CacheSize:  cfg.Embedding.CacheSize,
		APIKeyEnv:  cfg.Embedding.APIKeyEnv,
		BaseURL:    cfg.Embedding.BaseURL,
		Fallback:   cfg.Embedding.Fallback,
	}, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedder = embedder
	logger.Info("embedder initialized",
		zap.String("model", embedder.Model()),
		zap.Int("dimensions", embedder.Dimensions()))

	memCfg, err := memory.ConfigFrom(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}
	if !serve {
		memCfg.AutoUpdate = false
	}

	opts := []memory.Option{memory.WithLogger(logger)}
	diskPaths := storeOpts.Files()
	if cfg.Keyword.Enabled {
		kw, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
		}
		c.KeywordIndex = kw
		opts = append(opts, memory.WithKeywordIndex(kw))
		diskPaths = append(diskPaths, cfg.Storage.BleveIndexPath)
	}
	opts = append(opts, memory.WithDiskPaths(diskPaths...))
	if serve && cfg.Metrics.Enabled {
		c.Metrics = observability.NewMetrics(cfg.Metrics.Namespace)
		opts = append(opts, memory.WithMetrics(c.Metrics))
	}

	c.Manager = memory.NewManager(store, embedder, memCfg, opts...)
	return c, nil
}

func printUsage() {
	fmt.Println(`recall - Semantic conversation memory for agents

Usage:
  recall server [flags]             Start the HTTP and websocket server
  recall init [flags]               Write a default config file
  recall append [flags] <content>   Append a turn to an agent's memory
  recall scan [flags]               List stored turns
  recall index [flags]              Bring the agent's index up to date
  recall retrieve [flags] <query>   Retrieve relevant memories as a context block
  recall status [flags]             Show index status for an agent
  recall agents [flags]             List agents known to the server
  recall version                    Show version
  recall help                       Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/recall/config.yaml)
  --debug            Enable debug logging

Init Flags:
  --config string    Path to write (default: /usr/local/etc/recall/config.yaml)
  --force            Overwrite an existing file

Client Flags (append, scan, index, retrieve, status):
  --config string    Config file path (for direct storage mode and the default agent)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --agent string     Agent namespace (default: memory.default_agent from config)
  --output string    Output format: text or json (default: text)

Append Flags:
  --role string      user, assistant or system (default: user)

Scan Flags:
  --role string      Only turns with this role
  --after int        Only turns after this sequence id
  --limit int        Maximum number of turns (default: 50)

Retrieve Flags:
  --limit int        Number of memories (default from config)
  --mode string      semantic or hybrid (default from config)

Examples:
  recall init --config ./config.yaml
  recall server
  recall append --agent travel "What are your favorite travel destinations?"
  recall append --agent travel --role assistant "I enjoy Paris and Tokyo."
  recall index --agent travel
  recall retrieve --agent travel vacation ideas
  recall retrieve --output json --limit 3 "restaurant recommendations"
  recall status --agent travel
  recall scan --agent travel --role user`)
}
