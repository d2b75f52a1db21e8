// Command graphrun builds command-graph programs from YAML and runs them on
// a device backend, either once from the command line or behind an HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/api"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/config"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/engine"
	_ "github.com/gyaneshwarpardhi/cmdgraph/internal/hostgpu" // registers the "host" backend
	"github.com/gyaneshwarpardhi/cmdgraph/internal/kernels"
)

var application = &subcommands.DefaultApplication{
	Name:  "graphrun",
	Title: "Build and launch conditional command graphs.",
	Commands: []*subcommands.Command{
		subcommands.CmdHelp,
		cmdValidate,
		cmdRun,
		cmdDot,
		cmdServe,
	},
}

func main() {
	os.Exit(subcommands.Run(application, nil))
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	subcommands.CommandRunBase
	config  string
	verbose bool
}

func (c *commonFlags) init() {
	c.Flags.StringVar(&c.config, "config", "configs/example.yaml", "Path to the program YAML file")
	c.Flags.BoolVar(&c.verbose, "v", false, "Log at debug level")
}

func (c *commonFlags) logger(a subcommands.Application) *slog.Logger {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(a.GetErr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// load reads and validates the program file.
func (c *commonFlags) load() (*config.Loader, error) {
	loader, err := config.NewLoader(c.config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(loader.Config()); err != nil {
		return nil, err
	}
	return loader, nil
}

// start brings up the device, backend and stream described by cfg and loads
// cfg as the engine's program.
func start(cfg *config.ProgramConfig, log *slog.Logger) (*engine.Engine, error) {
	host := device.NewHost(cfg.Device.MemoryBytes)
	backend, err := cmdgraph.NewBackend(cfg.Device.Backend, host, cmdgraph.BackendOptions{
		MaxConditionalDepth: cfg.Device.MaxConditionalDepth,
		MaxGraphNodes:       cfg.Device.MaxGraphNodes,
		MaxLoopIterations:   cfg.Device.MaxLoopIterations,
		Workers:             cfg.Device.Workers,
	})
	if err != nil {
		return nil, err
	}
	log.Info("device ready",
		"backend", cfg.Device.Backend,
		"memory", humanize.IBytes(cfg.Device.MemoryBytes),
		"queue_depth", cfg.Device.StreamQueueDepth,
	)
	eng := engine.New(host, backend, device.NewHostStream(host, cfg.Device.StreamQueueDepth), kernels.Builtins(), log)
	if err := eng.Load(cfg); err != nil {
		eng.Shutdown()
		return nil, err
	}
	return eng, nil
}

func fail(a subcommands.Application, err error) int {
	fmt.Fprintf(a.GetErr(), "%s: %s\n", a.GetName(), err)
	return 1
}

// ── validate ────────────────────────────────────────────────────────────────

var cmdValidate = &subcommands.Command{
	UsageLine: "validate [-config path]",
	ShortDesc: "checks a program file without building it",
	LongDesc:  "Parses the program YAML, applies defaults and reports every validation error.",
	CommandRun: func() subcommands.CommandRun {
		c := &validateRun{}
		c.init()
		return c
	},
}

type validateRun struct {
	commonFlags
}

func (c *validateRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	loader, err := c.load()
	if err != nil {
		return fail(a, err)
	}
	cfg := loader.Config()
	fmt.Fprintf(a.GetOut(), "%s: ok (%d buffers, %d top-level ops)\n", cfg.Name, len(cfg.Buffers), len(cfg.Ops))
	return 0
}

// ── run ─────────────────────────────────────────────────────────────────────

var cmdRun = &subcommands.Command{
	UsageLine: "run [-config path] [-count n]",
	ShortDesc: "builds a program, launches it and prints its buffers",
	LongDesc:  "Builds and instantiates the program graph, launches it -count times and prints the result as JSON.",
	CommandRun: func() subcommands.CommandRun {
		c := &runRun{}
		c.init()
		c.Flags.IntVar(&c.count, "count", 0, "Number of launches (0 uses launch.count from the file)")
		return c
	},
}

type runRun struct {
	commonFlags
	count int
}

func (c *runRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	log := c.logger(a)
	loader, err := c.load()
	if err != nil {
		return fail(a, err)
	}
	eng, err := start(loader.Config(), log)
	if err != nil {
		return fail(a, err)
	}
	defer eng.Shutdown()

	res, err := eng.Run(context.Background(), c.count)
	if err != nil {
		return fail(a, err)
	}
	enc := json.NewEncoder(a.GetOut())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fail(a, err)
	}
	return 0
}

// ── dot ─────────────────────────────────────────────────────────────────────

var cmdDot = &subcommands.Command{
	UsageLine: "dot [-config path]",
	ShortDesc: "prints the instantiated graph in Graphviz format",
	CommandRun: func() subcommands.CommandRun {
		c := &dotRun{}
		c.init()
		return c
	},
}

type dotRun struct {
	commonFlags
}

func (c *dotRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	log := c.logger(a)
	loader, err := c.load()
	if err != nil {
		return fail(a, err)
	}
	eng, err := start(loader.Config(), log)
	if err != nil {
		return fail(a, err)
	}
	defer eng.Shutdown()
	if err := eng.WriteDot(a.GetOut()); err != nil {
		return fail(a, err)
	}
	return 0
}

// ── serve ───────────────────────────────────────────────────────────────────

var cmdServe = &subcommands.Command{
	UsageLine: "serve [-config path] [-addr :8080]",
	ShortDesc: "serves the program over HTTP and hot-reloads it",
	LongDesc:  "Loads the program, watches the file for changes and exposes launch, update and metrics endpoints.",
	CommandRun: func() subcommands.CommandRun {
		c := &serveRun{}
		c.init()
		c.Flags.StringVar(&c.addr, "addr", ":8080", "HTTP listen address")
		return c
	},
}

type serveRun struct {
	commonFlags
	addr string
}

func (c *serveRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	log := c.logger(a)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := c.load()
	if err != nil {
		log.Error("failed to load program", "err", err)
		return 1
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	eng, err := start(loader.Config(), log)
	if err != nil {
		log.Error("failed to start engine", "err", err)
		return 1
	}
	defer eng.Shutdown()

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	// Device settings are read once; reloads only swap the program.
	loader.OnChange(eng.Load)
	stopWatch, err := loader.Watch()
	if err != nil {
		log.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         c.addr,
		Handler:      api.New(eng, loader),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", c.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		log.Error("server error", "err", err)
		return 1
	}
	log.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	log.Info("goodbye")
	return 0
}
