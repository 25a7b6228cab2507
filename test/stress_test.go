package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"loandesk/approval"
	"loandesk/claim"
	"loandesk/identity"
	"loandesk/notify"
	"loandesk/request"
	"loandesk/sla"
	"loandesk/test/actors"
	"loandesk/test/chaos"
	"loandesk/test/infra"
	"loandesk/test/oracles"
	"loandesk/ticket"
	"loandesk/trigger"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent submitter/decider pairs")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "randomly kill database backends during the run")
)

func TestRequestDeskConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no docker and no local postgres: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	policy := sla.Policy{
		LoanFirstResponse:   time.Hour,
		LoanResolution:      48 * time.Hour,
		TicketFirstResponse: time.Hour,
		TicketResolution:    24 * time.Hour,
		WarningFraction:     0.25,
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	engine := request.NewEngine(pool)
	submitSvc := request.NewSubmitService(pool, policy, identity.NewApproverDirectory(pool, seedData.approverEmail))
	approvalSvc := approval.NewService(pool, nil, engine, approval.NewGenerator(), 72*time.Hour)
	claimSvc := claim.NewService(pool, nil)
	ticketRepo := ticket.NewRepository(pool)
	triggerEngine := trigger.NewEngine(pool, ticketRepo)
	monitor := sla.NewMonitor(pool, policy)
	dispatcher := notify.NewDispatcher(pool, &notify.LogTransport{Log: log}, log, 8, 50)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	submitted := make(chan string, 64)
	approved := make(chan string, 64)

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Submitter(ctx2, submitSvc, seedData.guestEmail, submitted, stop)
		})
		g.Go(func() error {
			return actors.Decider(ctx2, approvalSvc, seedData.approverEmail, submitted, approved, stop)
		})
		g.Go(func() error {
			return actors.LifecycleDriver(ctx2, engine, seedData.staffID, approved, stop)
		})
	}

	g.Go(func() error {
		return actors.Claimer(ctx2, claimSvc, seedData.claimerID, seedData.guestEmail, stop)
	})
	g.Go(func() error { return actors.SlaSweeper(ctx2, monitor, stop) })
	g.Go(func() error { return actors.TriggerSweeper(ctx2, triggerEngine, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, dispatcher, stop) })

	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if *flChaos {
			// Backend kills surface as connection errors in whichever actor held
			// the connection; the oracles above are the real verdict.
			t.Logf("actor error under chaos (seed=%d): %v", seed, err)
			return
		}
		t.Fatalf("actors errored (seed=%d): %v", seed, err)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	approverEmail string
	staffID       string
	claimerID     string
	guestEmail    string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	s := seedIDs{
		approverEmail: fmt.Sprintf("approver%d@example.com", rand.Int63()),
		guestEmail:    fmt.Sprintf("guest%d@example.com", rand.Int63()),
	}

	if _, err := pool.Exec(ctx, `INSERT INTO users (email, full_name, password_hash, role, department)
        VALUES ($1, 'Stress Approver', 'x', 'approver', 'equipment')`, s.approverEmail); err != nil {
		t.Fatalf("seed approver: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role)
        VALUES ($1, 'Stress Staff', 'x', 'staff') RETURNING id`,
		fmt.Sprintf("staff%d@example.com", rand.Int63())).Scan(&s.staffID); err != nil {
		t.Fatalf("seed staff: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, role)
        VALUES ($1, 'Stress Claimer', 'x', 'requester') RETURNING id`, s.guestEmail).Scan(&s.claimerID); err != nil {
		t.Fatalf("seed claimer: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"requests", `SELECT id, kind, status, warned_at, breached_at FROM requests ORDER BY created_at DESC LIMIT 50`},
		{"transition_audits", `SELECT request_id, seq, prior_status, next_status, channel FROM transition_audits ORDER BY created_at DESC LIMIT 50`},
		{"cross_module_events", `SELECT source_request_id, trigger_type, ticket_id FROM cross_module_events ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			t.Logf("%v", vals)
		}
		rows.Close()
	}
}
