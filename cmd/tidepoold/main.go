package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tidepool/config"
	"tidepool/native/common"
	"tidepool/native/epoch"
	"tidepool/native/ledger"
	"tidepool/native/swap"
	"tidepool/observability"
	"tidepool/observability/logging"
	"tidepool/registry"
	"tidepool/sdk/rail"
	"tidepool/sdk/venue"
	"tidepool/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	logger := logging.Setup("tidepoold", cfg.Environment, logging.Options{
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxAgeDays: cfg.LogMaxAgeDay,
	})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "err", err, "dir", cfg.DataDir)
		os.Exit(1)
	}
	defer db.Close()
	manager := storage.NewManager(db)

	lgr, err := ledger.NewLedger(manager)
	if err != nil {
		logger.Error("open ledger", "err", err)
		os.Exit(1)
	}
	directory := registry.NewRegistry(manager)

	venueTimeout := time.Duration(cfg.VenueTimeoutSeconds) * time.Second
	railClient := rail.New(cfg.RailURL, time.Duration(cfg.RailTimeoutSeconds)*time.Second)
	venueClient := venue.New(cfg.VenueURL, venueTimeout, cfg.VenueRatePerSecond)
	positions := venue.NewPositions(cfg.PositionsURL, venueTimeout)
	engine := swap.NewEngine(venueClient, positions, railClient)

	orch, err := epoch.NewOrchestrator(manager, lgr, engine, railClient, directory, epoch.Sinks{
		Staking: ethcommon.HexToAddress(cfg.StakingSink),
		Burn:    ethcommon.HexToAddress(cfg.BurnSink),
		Spare:   ethcommon.HexToAddress(cfg.SpareSink),
		Venue:   ethcommon.HexToAddress(cfg.VenueAccount),
	})
	if err != nil {
		logger.Error("open orchestrator", "err", err)
		os.Exit(1)
	}
	orch.SetEmitter(observability.MetricsEmitter{})
	orch.SetPauseView(common.NewPauseRegistry())

	// The config file is the operator's source of truth for parameters, so
	// it overrides whatever the last run persisted.
	service := common.NewCaller("tidepoold", common.RoleSettler, common.RoleTreasurer)
	if err := orch.SetParams(service, epoch.Params{
		ProtocolSharePermille: cfg.ProtocolSharePermille,
		SkimSharePermille:     cfg.SkimSharePermille,
		Cadence:               cfg.Cadence(),
		PriceImpactBps:        cfg.PriceImpactBps,
		SlippageBps:           cfg.SlippageBps,
	}); err != nil {
		logger.Error("apply params", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go settlementLoop(ctx, logger, orch, service)

	router := newRouter(logger, orch, directory, service)
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	logger.Info("tidepoold listening", "addr", cfg.ListenAddress, "cadence", cfg.Cadence().String())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve", "err", err)
		os.Exit(1)
	}
}

// settlementLoop polls the window state and executes the epoch as soon as the
// cadence elapses. Failures are logged and retried on the next tick; the mark
// only advances on success so nothing is skipped.
func settlementLoop(ctx context.Context, logger *slog.Logger, orch *epoch.Orchestrator, caller common.Caller) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		state, _ := orch.Status()
		if state != epoch.StateReady {
			continue
		}
		if err := orch.Execute(caller, nil); err != nil {
			if errors.Is(err, epoch.ErrEpochNotReady) {
				continue
			}
			logger.Error("epoch execute", "err", err)
			continue
		}
		logger.Info("epoch settled")
	}
}

type fundsRequest struct {
	ParticipantID string `json:"participantId"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
}

type registerRequest struct {
	ParticipantID string `json:"participantId"`
	Address       string `json:"address"`
}

func newRouter(logger *slog.Logger, orch *epoch.Orchestrator, directory *registry.Registry, caller common.Caller) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		state, nextReady := orch.Status()
		params := orch.Params()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":                 state,
			"nextReady":             nextReady.UTC().Format(time.RFC3339),
			"protocolSharePermille": params.ProtocolSharePermille,
			"skimSharePermille":     params.SkimSharePermille,
			"cadenceSeconds":        uint64(params.Cadence / time.Second),
			"priceImpactBps":        params.PriceImpactBps,
			"slippageBps":           params.SlippageBps,
		})
	})

	router.Get("/v1/balance/{participant}/{asset}", func(w http.ResponseWriter, r *http.Request) {
		participant := chi.URLParam(r, "participant")
		asset := chi.URLParam(r, "asset")
		balance, err := orch.Ledger().BalanceOf(participant, asset)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"participantId": participant,
			"asset":         ledger.NormalizeAsset(asset),
			"balance":       balance.String(),
		})
	})

	router.Get("/v1/protocol", func(w http.ResponseWriter, _ *http.Request) {
		account, err := orch.Ledger().ProtocolAccount()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"pendingStable": account.PendingStable.String(),
			"pendingNative": account.PendingNative.String(),
		})
	})

	router.Get("/v1/participants", func(w http.ResponseWriter, _ *http.Request) {
		ids, err := orch.Ledger().Participants()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]string{"participants": ids})
	})

	router.Post("/v1/funds", func(w http.ResponseWriter, r *http.Request) {
		var req fundsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		amount, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok {
			http.Error(w, "invalid amount", http.StatusBadRequest)
			return
		}
		if err := orch.ReceiveFunds(caller, req.Asset, amount, req.ParticipantID); err != nil {
			writeError(w, err)
			return
		}
		logger.Info("funds received", "participant", req.ParticipantID, "asset", req.Asset, "amount", req.Amount)
		w.WriteHeader(http.StatusAccepted)
	})

	router.Post("/v1/participants", func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if !ethcommon.IsHexAddress(req.Address) {
			http.Error(w, "invalid address", http.StatusBadRequest)
			return
		}
		if err := directory.Register(req.ParticipantID, ethcommon.HexToAddress(req.Address)); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	return router
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAsset),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidParticipant):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, epoch.ErrEpochNotReady):
		http.Error(w, err.Error(), http.StatusTooEarly)
	case errors.Is(err, common.ErrModulePaused):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
