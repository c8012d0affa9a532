package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/l1jgo/statebridge/internal/config"
	"github.com/l1jgo/statebridge/internal/core/ecs"
	"github.com/l1jgo/statebridge/internal/core/event"
	coresys "github.com/l1jgo/statebridge/internal/core/system"
	"github.com/l1jgo/statebridge/internal/data"
	"github.com/l1jgo/statebridge/internal/gameloop"
	"github.com/l1jgo/statebridge/internal/scripting"
	"github.com/l1jgo/statebridge/internal/statetree"
	"github.com/l1jgo/statebridge/internal/statetree/tasks"
	"github.com/l1jgo/statebridge/internal/system"
	"github.com/l1jgo/statebridge/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

// ── Main loop ─────────────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/statebridge.toml"
	if p := os.Getenv("STATEBRIDGE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if stop := startProfile(cfg.Profile); stop != nil {
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if cfg.Loop.RunFor > 0 {
		var cancelRun context.CancelFunc
		ctx, cancelRun = context.WithTimeout(ctx, cfg.Loop.RunFor)
		defer cancelRun()
	}

	// 3. Tracing
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("trace shutdown", zap.Error(err))
		}
	}()

	// 4. Scripts, task types and state tree assets
	printSection("Assets")
	lua, err := scripting.NewEngine(cfg.Scripting.Dir, log)
	if err != nil {
		return fmt.Errorf("lua engine: %w", err)
	}
	defer lua.Close()

	registry := statetree.NewTaskRegistry()
	if err := tasks.Register(registry, lua, log); err != nil {
		return fmt.Errorf("register tasks: %w", err)
	}
	printStat("Task types", len(registry.Types()))

	library := statetree.NewLibrary(registry, log)
	if _, err := library.LoadDir(ctx, cfg.StateTree.AssetDir); err != nil {
		return fmt.Errorf("load state trees: %w", err)
	}
	printStat("State tree assets", library.Len())

	// 5. World and scene
	world := ecs.NewWorld()
	defer world.Close()
	bus := event.NewBus()

	scene, err := data.LoadScene(cfg.Scene.Path)
	if err != nil {
		return fmt.Errorf("load scene: %w", err)
	}
	ids, err := system.SpawnScene(world, library, scene)
	if err != nil {
		return fmt.Errorf("spawn scene: %w", err)
	}
	printStat("Entities", len(ids))
	fmt.Println()

	event.Subscribe(bus, func(e event.RunStatusChanged) {
		log.Info("state tree status",
			zap.Stringer("entity", e.EntityID),
			zap.String("asset", e.Asset),
			zap.Stringer("from", e.From),
			zap.Stringer("to", e.To))
	})

	// 6. Systems and game loop
	phase, err := cfg.Phase()
	if err != nil {
		return err
	}
	runner := coresys.NewRunner()
	ticker := coresys.NewTicker()
	runner.Register(system.NewEventDispatchSystem(bus))
	runner.Register(system.NewCleanupSystem(world, log))

	loop := gameloop.New(runner, ticker, gameloop.Options{
		TickRate:         cfg.Loop.TickRate,
		TickPhase:        phase,
		PhaseDelayFrames: cfg.Loop.PhaseDelayFrames,
	}, log)

	coord := system.NewCoordinator(system.CoordinatorDeps{
		World:      world,
		Runner:     runner,
		Ticker:     ticker,
		Host:       system.HostFunc(func() any { return loop }),
		Bus:        bus,
		Log:        log,
		SystemName: cfg.StateTree.SystemName,
	})
	coord.Initialize()
	coord.OnBeginPlay()
	defer coord.Deinitialize()

	// 7. SIGHUP reloads scripts and assets on the loop goroutine
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if !loop.Post(func() { reloadAssets(ctx, lua, library, world, cfg.StateTree.AssetDir, log) }) {
					log.Warn("asset reload dropped, loop queue full")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	printOK(fmt.Sprintf("game loop (tick: %s, state tree phase: %s)", cfg.Loop.TickRate, phase))
	if err := loop.Run(ctx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// reloadAssets reloads the Lua scripts before the state tree assets, so
// relinked lua tasks resolve against the new functions.
func reloadAssets(ctx context.Context, lua *scripting.Engine, lib *statetree.Library, w *ecs.World, dir string, log *zap.Logger) {
	if err := lua.Reload(); err != nil {
		log.Error("lua script reload failed, keeping previous scripts", zap.Error(err))
	}
	changed, err := lib.LoadDir(ctx, dir)
	if err != nil {
		log.Error("state tree reload failed", zap.Error(err))
		return
	}
	n := system.RebindAssets(w, lib, changed, log)
	log.Info("state trees reloaded", zap.Strings("changed", changed), zap.Int("rebound", n))
}

func startProfile(cfg config.ProfileConfig) func() {
	var mode func(*profile.Profile)
	switch cfg.Mode {
	case "cpu":
		mode = profile.CPUProfile
	case "mem":
		mode = profile.MemProfileAllocs
	default:
		return nil
	}
	return profile.Start(mode, profile.ProfilePath(cfg.Dir), profile.NoShutdownHook).Stop
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
