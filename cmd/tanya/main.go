// Package main is the Tanya CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/tanya/internal/chat"
	"github.com/hyperjump/tanya/internal/cli"
	"github.com/hyperjump/tanya/internal/config"
	"github.com/hyperjump/tanya/internal/models"
	"github.com/hyperjump/tanya/internal/server"
	"github.com/hyperjump/tanya/internal/watcher"
	"github.com/hyperjump/tanya/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/tanya/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in
// the current directory takes precedence if it exists, so running from a
// project directory picks up the project's config.
// Returns the config and the path that was actually loaded.
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
	args := os.Args[2:]
	switch command {
	case "server":
		runServer(args)
	case "collections":
		runCollections(args)
	case "upload":
		runUpload(args)
	case "index":
		runIndex(args)
	case "status":
		runStatus(args)
	case "jobs":
		runJobs(args)
	case "job":
		runJob(args)
	case "cancel":
		runCancel(args)
	case "events":
		runEvents(args)
	case "search":
		runSearch(args)
	case "ask":
		runAsk(args)
	case "inbox":
		runInbox(args)
	case "version", "--version", "-v":
		fmt.Printf("tanya version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
		zap.Bool("mock_provider", cfg.Provider.Mock),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	inbox := watcher.NewWatcher(
		cfg.Inbox.Directories,
		inboxSink(components.Coordinator, logger),
		watcher.WithExtensions(supportedExtensions()),
		watcher.WithLogger(logger),
	)
	if err := inbox.Start(ctx); err != nil {
		logger.Fatal("Failed to start inbox watcher", zap.Error(err))
	}

	srv := server.NewServer(server.Deps{
		Registry:    components.Registry,
		Coordinator: components.Coordinator,
		Status:      components.Status,
		Events:      components.Events,
		Chat:        components.Chat,
		Index:       components.Adapter,
		Storage:     components.Storage,
		Inbox:       inbox,
	}, cfg, resolvedConfigPath, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	inbox.Stop()
	cancel()
}

// argsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse sees them. The flag
// package stops at the first non-flag argument, so
// "tanya search permits parking -limit 3" would otherwise leave -limit unparsed.
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

// buildQuery joins positional args with spaces so multi-word queries work the
// same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// configPathFromArgs returns the value of -config/--config from args if present, else defaultPath.
func configPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultPath
}

// serverURLFromConfig derives the server URL from the config at path. On load
// failure it returns defaultServerURL.
func serverURLFromConfig(path string) string {
	cfg, _, err := loadConfig(path)
	if err != nil || cfg == nil {
		return defaultServerURL
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// clientFlags is the flag set shared by commands that talk to a running server.
type clientFlags struct {
	fs     *flag.FlagSet
	server *string
	output *string
}

func newClientFlags(name string, args []string) *clientFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	_ = fs.String("config", defaultConfigPath, "config file path (used to derive the default server URL)")
	return &clientFlags{
		fs:     fs,
		server: fs.String("server", serverURLFromConfig(configPathFromArgs(args, defaultConfigPath)), "server URL"),
		output: fs.String("output", "text", "output format: text or json"),
	}
}

func (f *clientFlags) parse(args []string) {
	_ = f.fs.Parse(argsReorder(args))
}

func (f *clientFlags) client() *cli.Client {
	return cli.NewClient(*f.server)
}

func (f *clientFlags) format() cli.OutputFormat {
	format, err := cli.ParseOutputFormat(*f.output)
	if err != nil {
		fatalf("%v", err)
	}
	return format
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCollections(args []string) {
	f := newClientFlags("collections", args)
	f.parse(args)
	format := f.format()
	ctx, cancel := commandContext()
	defer cancel()

	collections, err := f.client().Collections(ctx)
	if err != nil {
		fatalf("List collections failed: %v", err)
	}
	if format == cli.OutputJSON {
		_ = cli.WriteJSON(os.Stdout, collections)
		return
	}
	if len(collections) == 0 {
		fmt.Println("no collections")
		return
	}
	for _, c := range collections {
		fmt.Printf("%s  %-20s %-9s %s\n", c.ID, c.Name, c.Type, c.Description)
	}
}

// expandUploadPaths replaces each directory argument with the files directly
// inside it whose extension is in exts. File arguments are kept as given.
func expandUploadPaths(args []string, exts []string) ([]string, error) {
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = true
	}
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			if allowed[strings.ToLower(filepath.Ext(name))] {
				files = append(files, filepath.Join(arg, name))
			}
		}
		sort.Strings(files)
		out = append(out, files...)
	}
	return out, nil
}

func runUpload(args []string) {
	f := newClientFlags("upload", args)
	collection := f.fs.String("collection", "", "target collection id, name, or alias (required)")
	create := f.fs.Bool("create", false, "create the collection if it does not exist")
	index := f.fs.Bool("index", false, "start indexing after the upload")
	session := f.fs.String("session", "", "session id that receives progress events")
	title := f.fs.String("title", "", "document title (single file only)")
	f.parse(args)

	if *collection == "" || f.fs.NArg() < 1 {
		fmt.Println("Usage: tanya upload --collection <name> [flags] <file-or-directory>...")
		os.Exit(1)
	}
	paths, err := expandUploadPaths(f.fs.Args(), supportedExtensions())
	if err != nil {
		fatalf("Upload failed: %v", err)
	}
	if *title != "" && len(paths) > 1 {
		fatalf("--title can only be used with a single file")
	}
	ctx, cancel := commandContext()
	defer cancel()

	client := f.client()
	failed := 0
	for _, path := range paths {
		res, err := client.Upload(ctx, *collection, path, cli.UploadOptions{
			Create:    *create,
			AutoIndex: *index,
			SessionID: *session,
			Title:     *title,
		})
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		state := "unchanged"
		switch {
		case res.Created:
			state = "created"
		case res.Changed:
			state = "updated"
		}
		fmt.Printf("%s  %-9s %s\n", res.Unit.ID, state, path)
		if res.Job != nil {
			fmt.Printf("  job %s %s\n", res.Job.ID, res.Job.State)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func runIndex(args []string) {
	f := newClientFlags("index", args)
	session := f.fs.String("session", "", "session id that receives progress events")
	units := f.fs.String("units", "", "comma-separated unit ids to index (default: all pending units)")
	wait := f.fs.Bool("wait", false, "wait for the job to finish")
	f.parse(args)

	if f.fs.NArg() != 1 {
		fmt.Println("Usage: tanya index [flags] <collection>")
		os.Exit(1)
	}
	format := f.format()
	ctx, cancel := commandContext()
	defer cancel()

	client := f.client()
	job, err := client.Enqueue(ctx, f.fs.Arg(0), *session, splitList(*units))
	if err != nil {
		fatalf("Index failed: %v", err)
	}
	if *wait {
		id := job.ID
		job, err = client.WaitJob(ctx, id, time.Second)
		if err != nil {
			fatalf("Waiting for job %s failed: %v", id, err)
		}
	}
	_ = cli.WriteJob(os.Stdout, job, format)
}

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runStatus(args []string) {
	f := newClientFlags("status", args)
	f.parse(args)
	if f.fs.NArg() != 1 {
		fmt.Println("Usage: tanya status [flags] <collection>")
		os.Exit(1)
	}
	format := f.format()
	ctx, cancel := commandContext()
	defer cancel()

	st, err := f.client().Status(ctx, f.fs.Arg(0))
	if err != nil {
		fatalf("Status failed: %v", err)
	}
	if err := cli.WriteStatus(os.Stdout, st, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runJobs(args []string) {
	f := newClientFlags("jobs", args)
	limit := f.fs.Int("limit", 20, "number of jobs")
	f.parse(args)
	if f.fs.NArg() != 1 {
		fmt.Println("Usage: tanya jobs [flags] <collection>")
		os.Exit(1)
	}
	format := f.format()
	ctx, cancel := commandContext()
	defer cancel()

	jobs, err := f.client().Jobs(ctx, f.fs.Arg(0), *limit)
	if err != nil {
		fatalf("List jobs failed: %v", err)
	}
	_ = cli.WriteJobs(os.Stdout, jobs, format)
}

func runJob(args []string) {
	f := newClientFlags("job", args)
	f.parse(args)
	if f.fs.NArg() != 1 {
		fmt.Println("Usage: tanya job [flags] <job-id>")
		os.Exit(1)
	}
	format := f.format()
	ctx, cancel := commandContext()
	defer cancel()

	job, err := f.client().Job(ctx, f.fs.Arg(0))
	if err != nil {
		fatalf("Get job failed: %v", err)
	}
	_ = cli.WriteJob(os.Stdout, job, format)
}

func runCancel(args []string) {
	f := newClientFlags("cancel", args)
	f.parse(args)
	if f.fs.NArg() != 1 {
		fmt.Println("Usage: tanya cancel [flags] <job-id>")
		os.Exit(1)
	}
	format := f.format()
	ctx, cancel := commandContext()
	defer cancel()

	job, err := f.client().Cancel(ctx, f.fs.Arg(0))
	if err != nil {
		fatalf("Cancel failed: %v", err)
	}
	_ = cli.WriteJob(os.Stdout, job, format)
}

func runEvents(args []string) {
	f := newClientFlags("events", args)
	since := f.fs.String("since", "", "only events after this RFC 3339 timestamp")
	limit := f.fs.Int("limit", 0, "maximum number of events (0 = server default)")
	follow := f.fs.Bool("follow", false, "keep streaming new events")
	f.parse(args)
	if f.fs.NArg() != 1 {
		fmt.Println("Usage: tanya events [flags] <session-id>")
		os.Exit(1)
	}
	format := f.format()
	var sinceTime time.Time
	if *since != "" {
		t, err := time.Parse(time.RFC3339Nano, *since)
		if err != nil {
			fatalf("Invalid --since: %v", err)
		}
		sinceTime = t
	}
	ctx, cancel := commandContext()
	defer cancel()

	client := f.client()
	sessionID := f.fs.Arg(0)
	if *follow {
		err := client.Follow(ctx, sessionID, func(ev *models.ChatEvent) {
			_ = cli.WriteEvent(os.Stdout, ev, format)
		})
		if err != nil {
			fatalf("Event stream failed: %v", err)
		}
		return
	}
	evs, err := client.Events(ctx, sessionID, sinceTime, *limit)
	if err != nil {
		fatalf("Query events failed: %v", err)
	}
	_ = cli.WriteEvents(os.Stdout, evs, format)
}

func runSearch(args []string) {
	f := newClientFlags("search", args)
	limit := f.fs.Int("limit", 5, "number of passages")
	f.parse(args)
	if f.fs.NArg() < 2 {
		fmt.Println("Usage: tanya search [flags] <collection> <query>")
		os.Exit(1)
	}
	query := buildQuery(f.fs.Args()[1:])
	if query == "" {
		fatalf("query is empty")
	}
	format := f.format()
	ctx, cancel := commandContext()
	defer cancel()

	hits, err := f.client().Search(ctx, f.fs.Arg(0), query, *limit)
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	_ = cli.WriteHits(os.Stdout, hits, format)
}

func runAsk(args []string) {
	f := newClientFlags("ask", args)
	session := f.fs.String("session", "", "session id for progress events (required)")
	f.parse(args)
	if *session == "" || f.fs.NArg() < 2 {
		fmt.Println("Usage: tanya ask --session <id> [flags] <collection> <question>")
		os.Exit(1)
	}
	format := f.format()
	ctx, cancel := commandContext()
	defer cancel()

	ans, err := f.client().Ask(ctx, chat.Request{
		SessionID:  *session,
		Collection: f.fs.Arg(0),
		Question:   buildQuery(f.fs.Args()[1:]),
	})
	if err != nil {
		fatalf("Ask failed: %v", err)
	}
	_ = cli.WriteAnswer(os.Stdout, ans, format)
}

func runInbox(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: tanya inbox <add|remove|list> [flags]")
		fmt.Println("  tanya inbox add <dir> <collection>  Watch a directory for a collection")
		fmt.Println("  tanya inbox remove <dir>            Stop watching a directory")
		fmt.Println("  tanya inbox list                    List watched directories")
		os.Exit(1)
	}
	sub := args[0]
	rest := args[1:]
	f := newClientFlags("inbox", rest)
	f.parse(rest)
	ctx, cancel := commandContext()
	defer cancel()
	client := f.client()

	switch sub {
	case "add":
		if f.fs.NArg() != 2 {
			fatalf("Usage: tanya inbox add <dir> <collection>")
		}
		dir, _ := filepath.Abs(f.fs.Arg(0))
		if err := client.AddInbox(ctx, dir, f.fs.Arg(1)); err != nil {
			fatalf("Add failed: %v", err)
		}
		fmt.Printf("Watching: %s -> %s\n", dir, f.fs.Arg(1))
	case "remove":
		if f.fs.NArg() != 1 {
			fatalf("Usage: tanya inbox remove <dir>")
		}
		dir, _ := filepath.Abs(f.fs.Arg(0))
		if err := client.RemoveInbox(ctx, dir); err != nil {
			fatalf("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", dir)
	case "list":
		inboxes, err := client.Inboxes(ctx)
		if err != nil {
			fatalf("List failed: %v", err)
		}
		if f.format() == cli.OutputJSON {
			_ = cli.WriteJSON(os.Stdout, inboxes)
			return
		}
		dirs := make([]string, 0, len(inboxes))
		for d := range inboxes {
			dirs = append(dirs, d)
		}
		sort.Strings(dirs)
		for _, d := range dirs {
			fmt.Printf("%s -> %s\n", d, inboxes[d])
		}
	default:
		fatalf("Unknown inbox subcommand: %s", sub)
	}
}

func printUsage() {
	fmt.Println(`tanya - Document ingestion and indexing for retrieval-augmented chat

Usage:
  tanya server [flags]                          Start the HTTP server
  tanya collections [flags]                     List collections
  tanya upload [flags] <file-or-dir>...         Upload documents to a collection
  tanya index [flags] <collection>              Index pending units of a collection
  tanya status [flags] <collection>             Show indexing status
  tanya jobs [flags] <collection>               List recent indexing jobs
  tanya job [flags] <job-id>                    Show one job
  tanya cancel [flags] <job-id>                 Cancel a queued or running job
  tanya events [flags] <session-id>             Show progress events of a session
  tanya search [flags] <collection> <query>     Preview retrieval results
  tanya ask [flags] <collection> <question>     Ask a question about a collection
  tanya inbox <add|remove|list>                 Manage inbox directories
  tanya version                                 Show version
  tanya help                                    Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/tanya/config.yaml)
  --debug            Enable debug logging

Client Flags (all commands except server):
  --config string    Config file used to derive the default server URL
  --server string    Server URL (default: from config, or http://localhost:8080)
  --output string    Output format: text or json (default: text)

Upload Flags:
  --collection string  Target collection id, name, or alias (required)
  --create             Create the collection if it does not exist
  --index              Start indexing after the upload
  --session string     Session id that receives progress events
  --title string       Document title (single file only)

Index Flags:
  --session string   Session id that receives progress events
  --units string     Comma-separated unit ids (default: all pending units)
  --wait             Wait for the job to finish

Events Flags:
  --since string     Only events after this RFC 3339 timestamp
  --limit int        Maximum number of events
  --follow           Keep streaming new events

Examples:
  tanya server
  tanya upload --collection permits --create --index --session s1 guide.pdf rates.xlsx
  tanya upload --collection permits ./docs
  tanya index --wait permits
  tanya status permits --output json
  tanya events --follow s1
  tanya search permits parking permit fees --limit 3
  tanya ask --session s1 permits how long does a permit take
  tanya inbox add ./inbox permits`)
}
