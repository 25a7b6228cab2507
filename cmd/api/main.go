package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"loandesk/approval"
	"loandesk/claim"
	"loandesk/config"
	"loandesk/db"
	"loandesk/identity"
	"loandesk/notify"
	"loandesk/request"
	"loandesk/sla"
	"loandesk/ticket"
	"loandesk/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("bootstrap config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := config.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	policy := sla.Policy{
		LoanFirstResponse:   time.Duration(cfg.SLAFirstResponseHours) * time.Hour,
		LoanResolution:      time.Duration(cfg.SLAResolutionHours) * time.Hour,
		TicketFirstResponse: time.Duration(cfg.SLATicketResponseHours) * time.Hour,
		TicketResolution:    time.Duration(cfg.SLATicketResolveHours) * time.Hour,
		WarningFraction:     cfg.SLAWarningFraction,
	}

	identityRepo := identity.NewRepository(pool)
	identitySvc := identity.NewService(identityRepo, cfg.JWTSecret)
	approvers := identity.NewApproverDirectory(pool, "approvals@loandesk.local")

	engine := request.NewEngine(pool)
	submitSvc := request.NewSubmitService(pool, policy, approvers)
	tokenGen := approval.NewGenerator()
	approvalSvc := approval.NewService(pool, nil, engine, tokenGen, cfg.ApprovalTokenTTL)
	extensionSvc := request.NewExtensionService(pool, tokenGen, cfg.ApprovalTokenTTL)
	claimSvc := claim.NewService(pool, nil)

	ticketRepo := ticket.NewRepository(pool)
	ticketSvc := ticket.NewService(ticketRepo)
	triggerEngine := trigger.NewEngine(pool, ticketRepo)
	monitor := sla.NewMonitor(pool, policy)
	dispatcher := notify.NewDispatcher(pool, &notify.LogTransport{Log: log}, log,
		cfg.OutboxMaxDeliveryTries, cfg.OutboxDrainBatchSize)

	server := &Server{
		log:        log,
		identity:   identitySvc,
		submit:     submitSvc,
		engine:     engine,
		approvals:  approvalSvc,
		extensions: extensionSvc,
		claims:     claimSvc,
		triggers:   triggerEngine,
		monitor:    monitor,
		tickets:    ticketSvc,
		dispatcher: dispatcher,
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	// Background loops. Sweeps and the outbox drain are idempotent, so a
	// missed or doubled tick is harmless.
	g.Go(func() error {
		return runEvery(gctx, time.Minute, func(loopCtx context.Context) {
			if res, err := monitor.RunSweep(loopCtx, time.Now().UTC()); err != nil {
				log.WithError(err).Warn("sla sweep failed")
			} else if res.Warned > 0 || res.Breached > 0 {
				log.WithField("warned", res.Warned).WithField("breached", res.Breached).Info("sla sweep")
			}
		})
	})

	g.Go(func() error {
		return runEvery(gctx, 5*time.Minute, func(loopCtx context.Context) {
			if res, err := triggerEngine.RunSweep(loopCtx); err != nil {
				log.WithError(err).Warn("cross-module sweep failed")
			} else if res.Created > 0 {
				log.WithField("created", res.Created).Info("cross-module sweep opened tickets")
			}
		})
	})

	g.Go(func() error {
		return runEvery(gctx, 15*time.Second, func(loopCtx context.Context) {
			if _, err := dispatcher.Drain(loopCtx); err != nil {
				log.WithError(err).Warn("outbox drain failed")
			}
		})
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server exited")
	}
	log.Info("shutdown complete")
}

func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}
