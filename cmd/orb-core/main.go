package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"orbcore"
	"orbcore/internal/agentproc"
	"orbcore/internal/calibration"
	"orbcore/internal/config"
	"orbcore/network"
	"orbcore/observer"
	"orbcore/orb"
	"orbcore/plan"
)

const defaultStateDir = "/var/lib/orb-core"

func main() {
	// Subprocess agent dispatch must run before anything else: when the
	// binary is re-entered as an agent child, none of the normal startup
	// below applies.
	agentproc.Main()

	var (
		operatorQR         string
		userQR             string
		oneshot            bool
		ignoreMissingSounds bool
	)
	flag.StringVar(&operatorQR, "o", "", "default operator QR code, skipping the operator scan")
	flag.StringVar(&operatorQR, "operator-qr-code", "", "default operator QR code, skipping the operator scan")
	flag.StringVar(&userQR, "u", "", "default user QR code, skipping the user scan")
	flag.StringVar(&userQR, "user-qr-code", "", "default user QR code, skipping the user scan")
	flag.BoolVar(&oneshot, "O", false, "exit after the first completed signup")
	flag.BoolVar(&oneshot, "oneshot", false, "exit after the first completed signup")
	flag.BoolVar(&ignoreMissingSounds, "ignore-missing-sounds", false, "do not fail on missing sound assets")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	orbID := os.Getenv("ORB_ID")
	if orbID == "" {
		logger.Error("ORB_ID is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracer orbcore.Tracer
	if _, shutdown, err := observer.Init(ctx, orbID); err != nil {
		logger.Warn("telemetry disabled", "err", err)
	} else {
		tracer = observer.NewTracer()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	stateDir := os.Getenv("ORB_STATE_DIR")
	if stateDir == "" {
		stateDir = defaultStateDir
	}
	cfgStore := config.NewStore(stateDir, logger)
	tuning := config.LoadTuning(stateDir+"/tuning.toml", logger)
	calStore := calibration.NewStore(stateDir, logger)
	hardwareVersion := readStateFile(stateDir + "/hardware_version")
	logger.Info("orb identity",
		"orb_id", orbID,
		"orb_name", readStateFile(stateDir+"/orb-name"),
		"jabil_id", readStateFile(stateDir+"/jabil-id"),
		"hardware_version", hardwareVersion)

	env := orbcore.OrbEnv{
		OrbID:             orbID,
		CurrentBootSlot:   os.Getenv("CURRENT_BOOT_SLOT"),
		ODMProductionMode: os.Getenv("ODM_PRODUCTION_MODE") == "1",
		Tracer:            tracer,
		Token:             tokenSource(),
	}

	baseURL := os.Getenv("ORB_BACKEND_URL")
	if baseURL == "" {
		baseURL = "https://api.operator.worldcoin.org"
	}
	backend := network.NewBackend(network.New(baseURL, env.Token, network.WithTracer(tracer)))

	if err := cfgStore.Refresh(ctx, backend); err != nil {
		logger.Warn("initial config refresh failed, using cached config", "err", err)
	}

	// The inference backends, sensor drivers, and the serial MCU transport
	// are proprietary and not part of this tree; the broker degrades
	// gracefully when they are absent, and deployments inject them here.
	// The loopback MCU keeps the broadcast/command plumbing alive on a
	// bench without hardware.
	builder := orb.Builder{
		Logger:           logger,
		Tracer:           tracer,
		Env:              env,
		Mcu:              orb.NewFakeMcu(),
		Config:           cfgStore,
		Tuning:           tuning,
		CalibrationStore: calStore,
		HardwareVersion:  hardwareVersion,
		QRSubprocess:     true,
	}
	o, err := builder.Build(ctx)
	if err != nil {
		logger.Error("broker construction failed", "err", err)
		os.Exit(1)
	}
	defer o.Shutdown()

	if ignoreMissingSounds {
		logger.Warn("missing sound assets will be ignored")
	}

	master := &plan.Master{
		Backend:           backend,
		Builder:           nil,
		Versions:          orbcore.VersionSet{SoftwareVersion: readStateFile(stateDir + "/versions.json")},
		DefaultOperatorQR: operatorQR,
		DefaultUserQR:     userQR,
	}

	for {
		result, err := master.RunOnce(ctx, o)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return
			}
			logger.Error("signup loop error", "err", err)
			continue
		}
		if oneshot && result != nil {
			// Graceful exit after the first attempt in oneshot mode.
			logger.Info("oneshot signup finished", "success", result.Success)
			return
		}
	}
}

// tokenSource reads the backend bearer token from the ORB_TOKEN environment
// variable, re-reading it at most once a minute. The AuthTokenManager DBus
// property is not read.
func tokenSource() func() (string, error) {
	var (
		cached    string
		refreshed time.Time
	)
	return func() (string, error) {
		if cached != "" && time.Since(refreshed) < time.Minute {
			return cached, nil
		}
		cached = os.Getenv("ORB_TOKEN")
		refreshed = time.Now()
		return cached, nil
	}
}

func readStateFile(path string) string {
	contents, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(contents))
}
