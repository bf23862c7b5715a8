package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/gtocluster/solver/api"
	"github.com/gtocluster/solver/bus"
	"github.com/gtocluster/solver/config"
	"github.com/gtocluster/solver/internal/gameid"
	"github.com/gtocluster/solver/orchestrator"
	"github.com/gtocluster/solver/progressfeed"
	"github.com/gtocluster/solver/registry"
)

// CLI mirrors the teacher's flat kong.Parse CLI struct (cmd/server/main.go):
// every operational knob is a flag with a sane default, and the config file
// only needs to be supplied when overriding solver profiles or listener
// settings beyond those defaults.
type CLI struct {
	ConfigFile string `kong:"name='config',default='orchestratord.hcl',help='HCL configuration file (falls back to built-in defaults if missing)'"`
	Debug      bool   `kong:"help='Enable debug logging'"`
	Seed       *int64 `kong:"help='Deterministic seed for node IDs and bus jitter (optional; per-simulation solver seeds are set per request)'"`
}

type intnRand struct{ r *rand.Rand }

func (s intnRand) Intn(n int) int { return s.r.Intn(n) }

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("orchestratord"),
		kong.Description("Distributed GTO solver orchestrator"),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.ConfigFile)
	ctx.FatalIfErrorf(err)
	ctx.FatalIfErrorf(cfg.Validate())

	level := zerolog.InfoLevel
	if cli.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()

	seed := time.Now().UnixNano()
	if cli.Seed != nil {
		seed = *cli.Seed
	}
	idRand := intnRand{rand.New(rand.NewSource(seed))}

	broker := bus.NewBroker(logger, cfg.Bus.AckTimeout(), cfg.Bus.OutboxCapacity, seed)
	reg := registry.New(quartz.NewReal(), cfg.Registry.OfflineTimeout(), gameid.RandSource(idRand))
	orch := orchestrator.New(logger, broker, reg, cfg.Server.CheckpointDir, gameid.RandSource(idRand))
	hub := progressfeed.New(logger)

	srv := api.New(logger, orch, reg, broker, hub)

	addr := cfg.Server.Address + ":" + strconv.Itoa(cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", addr).
			Int("solver_profiles", len(cfg.Solvers)).
			Msg("orchestrator starting")
		serverErr <- srv.Start(addr)
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctx.FatalIfErrorf(err)
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		if err := <-serverErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server exited with error")
		} else {
			logger.Info().Msg("orchestrator shutdown complete")
		}
	}
}
