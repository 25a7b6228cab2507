// Package actors holds the concurrent workloads for the stress run. Each actor
// drives the real services so the invariants are checked against production
// code paths, not test-only SQL.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"loandesk/approval"
	"loandesk/claim"
	"loandesk/notify"
	"loandesk/request"
	"loandesk/sla"
	"loandesk/trigger"
)

// Submitter files guest requests and feeds the ids downstream.
func Submitter(ctx context.Context, submit *request.SubmitService, guestEmail string, out chan<- string, stop <-chan struct{}) error {
	kinds := []request.Kind{request.KindLoan, request.KindTicket}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		rec, err := submit.Create(ctx, request.SubmitParams{
			Kind:       kinds[rand.Intn(len(kinds))],
			Category:   "equipment",
			Summary:    fmt.Sprintf("stress request %d", rand.Int63()),
			GuestName:  "Stress Guest",
			GuestEmail: guestEmail,
		})
		if err != nil {
			return fmt.Errorf("submitter: %w", err)
		}

		select {
		case out <- rec.ID:
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Decider races the email and portal channels against each other on every
// request it receives. Exactly one channel may win; the loser must observe
// consumption or a conflict, never a double decision.
func Decider(ctx context.Context, approvals *approval.Service, approverEmail string, in <-chan string, approved chan<- string, stop <-chan struct{}) error {
	for {
		var requestID string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case requestID = <-in:
		}

		tok, err := approvals.IssueToken(ctx, requestID)
		if err != nil {
			return fmt.Errorf("decider issue %s: %w", requestID, err)
		}

		type outcome struct {
			err error
		}
		results := make(chan outcome, 2)

		go func() {
			_, err := approvals.Decide(ctx, approval.DecideParams{
				Token:   tok.Value,
				Approve: true,
				Channel: request.ChannelEmail,
			})
			results <- outcome{err: err}
		}()
		go func() {
			_, err := approvals.Decide(ctx, approval.DecideParams{
				RequestID: requestID,
				Approve:   true,
				Remarks:   "portal race",
				Channel:   request.ChannelPortal,
				Actor:     request.Actor{Email: approverEmail},
			})
			results <- outcome{err: err}
		}()

		wins := 0
		for i := 0; i < 2; i++ {
			res := <-results
			switch {
			case res.err == nil:
				wins++
			case errors.Is(res.err, approval.ErrTokenConsumed),
				errors.Is(res.err, request.ErrConflict):
				// expected for the losing channel
			default:
				return fmt.Errorf("decider race on %s: %w", requestID, res.err)
			}
		}
		if wins != 1 {
			return fmt.Errorf("decider race on %s: %d winners", requestID, wins)
		}

		select {
		case approved <- requestID:
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LifecycleDriver walks approved requests through issuance, use and return,
// randomly reporting damage on return.
func LifecycleDriver(ctx context.Context, engine *request.Engine, staffID string, in <-chan string, stop <-chan struct{}) error {
	steps := []request.Event{
		request.EventMarkReady,
		request.EventIssue,
		request.EventActivate,
		request.EventFlagReturnDue,
		request.EventStartReturn,
	}
	for {
		var requestID string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case requestID = <-in:
		}

		for _, ev := range steps {
			if _, err := engine.Transition(ctx, request.TransitionParams{
				RequestID: requestID,
				Event:     ev,
				Actor:     request.Actor{ID: staffID},
				Channel:   request.ChannelPortal,
			}); err != nil {
				return fmt.Errorf("lifecycle %s on %s: %w", ev, requestID, err)
			}
		}

		damaged := rand.Intn(3) == 0
		params := request.TransitionParams{
			RequestID: requestID,
			Event:     request.EventCompleteReturn,
			Actor:     request.Actor{ID: staffID},
			Channel:   request.ChannelPortal,
		}
		if damaged {
			params.Damage = true
			params.DamageCategory = "cosmetic"
		}
		if _, err := engine.Transition(ctx, params); err != nil {
			return fmt.Errorf("lifecycle return on %s: %w", requestID, err)
		}

		if _, err := engine.Transition(ctx, request.TransitionParams{
			RequestID: requestID,
			Event:     request.EventComplete,
			Actor:     request.Actor{ID: staffID},
			Channel:   request.ChannelPortal,
		}); err != nil {
			return fmt.Errorf("lifecycle complete on %s: %w", requestID, err)
		}
	}
}

// Claimer repeatedly claims every guest record on its email. Replays and
// denials are the point: they must stay no-ops.
func Claimer(ctx context.Context, claims *claim.Service, userID, email string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := claims.ClaimAll(ctx, claim.Actor{ID: userID, Email: email}); err != nil {
			if errors.Is(err, request.ErrConflict) {
				// lost a race with another claimer; benign
				continue
			}
			return fmt.Errorf("claimer: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// SlaSweeper runs the deadline sweep in a tight loop, including with a clock
// pushed into the future so warning and breach passes actually fire.
func SlaSweeper(ctx context.Context, monitor *sla.Monitor, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		now := time.Now().UTC()
		if rand.Intn(2) == 0 {
			now = now.Add(100 * time.Hour)
		}
		if _, err := monitor.RunSweep(ctx, now); err != nil {
			return fmt.Errorf("sla sweeper: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// TriggerSweeper runs the damaged-return reconciliation sweep.
func TriggerSweeper(ctx context.Context, engine *trigger.Engine, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := engine.RunSweep(ctx); err != nil {
			return fmt.Errorf("trigger sweeper: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// OutboxWorker drains pending notifications concurrently with everything else.
func OutboxWorker(ctx context.Context, dispatcher *notify.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if _, err := dispatcher.Drain(ctx); err != nil {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
