package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/LiuMou68/starchain-backend/internal/certs"
	"github.com/LiuMou68/starchain-backend/internal/config"
	"github.com/LiuMou68/starchain-backend/internal/events"
	"github.com/LiuMou68/starchain-backend/internal/handlers"
	"github.com/LiuMou68/starchain-backend/internal/ipfs"
	"github.com/LiuMou68/starchain-backend/internal/ledger"
	"github.com/LiuMou68/starchain-backend/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pins := ipfs.NewPinataClient(cfg.IPFS, logger)
	chain, err := ledger.NewEVMClient(cfg.Chain, logger)
	if err != nil {
		logger.Error("failed to build chain client", "error", err)
		os.Exit(1)
	}

	metrics := certs.NewMetrics(registry)
	evaluator := certs.NewEvaluator(db)
	issuer := certs.NewIssuer(db, pins, chain, logger, metrics)
	sweeper := certs.NewSweeper(db, issuer, logger)
	chainSync := certs.NewChainSync(db, pins, chain, cfg.Chain.SystemWallet, logger, metrics)

	bus := events.NewBus(registry, logger)
	registerAutoIssue(bus, evaluator, issuer, logger)

	r := gin.Default()
	api := handlers.New(db, evaluator, issuer, sweeper, chainSync, bus, logger)
	api.RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("server starting", "addr", addr, "driver", cfg.Database.Driver)
	if err := r.Run(addr); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// registerAutoIssue subscribes the certificate auto-issuance checks to
// the points and activity triggers. Each trigger re-evaluates only the
// affected user; the batch sweep endpoint covers anything these miss.
func registerAutoIssue(bus *events.Bus, evaluator *certs.Evaluator, issuer *certs.Issuer, logger *slog.Logger) {
	issueAll := func(userID uint, trig certs.Trigger) {
		ctx := context.Background()
		rules, err := evaluator.Evaluate(ctx, userID, trig)
		if err != nil {
			logger.Error("auto-issue evaluation failed", "user_id", userID, "trigger", trig.Kind, "error", err)
			return
		}
		for _, rule := range rules {
			if _, err := issuer.Issue(ctx, userID, rule); err != nil {
				logger.Error("auto-issue failed", "user_id", userID, "rule_id", rule.ID, "error", err)
			}
		}
	}

	bus.SubscribeFunc(events.EventPointsChanged, func(evt events.Event) {
		payload, ok := evt.Data.(events.PointsChanged)
		if !ok {
			return
		}
		issueAll(payload.UserID, certs.Trigger{Kind: certs.TriggerPoints})
	})
	bus.SubscribeFunc(events.EventActivityCompleted, func(evt events.Event) {
		payload, ok := evt.Data.(events.ActivityCompleted)
		if !ok {
			return
		}
		issueAll(payload.UserID, certs.Trigger{Kind: certs.TriggerActivity, ActivityID: payload.ActivityID})
	})
}
