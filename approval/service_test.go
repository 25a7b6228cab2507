package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"loandesk/request"
)

var (
	testNow     = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	testExpires = testNow.Add(72 * time.Hour)
)

func newTestService(store *fakeStore, engine *fakeEngine) (*Service, *fakeDB) {
	db := &fakeDB{}
	svc := NewService(db, store, engine, &fakeMinter{token: "tok-minted"}, 72*time.Hour)
	svc.WithClock(func() time.Time { return testNow })
	return svc, db
}

func TestValidate_TokenStates(t *testing.T) {
	consumed := testNow.Add(-time.Hour)
	expired := testNow.Add(-time.Minute)

	cases := []struct {
		name  string
		state DecisionState
		err   error
		want  error
	}{
		{
			name: "live token",
			state: DecisionState{
				RequestID:      "req-1",
				Status:         request.StatusUnderReview,
				TokenExpiresAt: &testExpires,
			},
		},
		{
			name: "consumed",
			state: DecisionState{
				RequestID:       "req-1",
				TokenExpiresAt:  &testExpires,
				TokenConsumedAt: &consumed,
			},
			want: ErrTokenConsumed,
		},
		{
			name: "expired",
			state: DecisionState{
				RequestID:      "req-1",
				TokenExpiresAt: &expired,
			},
			want: ErrTokenExpired,
		},
		{
			name: "unknown",
			err:  ErrTokenNotFound,
			want: ErrTokenNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{state: tc.state, findErr: tc.err}
			svc, _ := newTestService(store, &fakeEngine{})

			_, err := svc.Validate(context.Background(), "tok-1")
			if tc.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_IsSideEffectFree(t *testing.T) {
	store := &fakeStore{state: DecisionState{
		RequestID:      "req-1",
		Status:         request.StatusUnderReview,
		TokenExpiresAt: &testExpires,
	}}
	svc, db := newTestService(store, &fakeEngine{})

	for i := 0; i < 3; i++ {
		if _, err := svc.Validate(context.Background(), "tok-1"); err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
	}
	if store.consumedAt != nil {
		t.Fatal("validate must never consume the token")
	}
	if db.tx != nil {
		t.Fatal("validate must not open a transaction")
	}
}

func TestDecide_EmailApprove(t *testing.T) {
	store := &fakeStore{state: DecisionState{
		RequestID:      "req-1",
		Status:         request.StatusUnderReview,
		ApproverEmail:  "omar@example.com",
		TokenExpiresAt: &testExpires,
	}}
	engine := &fakeEngine{result: request.TransitionResult{
		RequestID:   "req-1",
		PriorStatus: request.StatusUnderReview,
		NextStatus:  request.StatusApproved,
	}}
	svc, db := newTestService(store, engine)

	res, err := svc.Decide(context.Background(), DecideParams{
		Token:   "tok-1",
		Approve: true,
		Channel: request.ChannelEmail,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.NextStatus != request.StatusApproved {
		t.Fatalf("expected approved, got %s", res.NextStatus)
	}
	if engine.params.Event != request.EventApprove {
		t.Fatalf("expected approve event, got %s", engine.params.Event)
	}
	if engine.params.Actor.Email != "omar@example.com" {
		t.Fatalf("email channel must act as the assigned approver, got %q", engine.params.Actor.Email)
	}
	if store.consumedAt == nil {
		t.Fatal("token must be consumed in the winning transaction")
	}
	if !db.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestDecide_EmailConsumedToken(t *testing.T) {
	consumed := testNow.Add(-time.Hour)
	store := &fakeStore{state: DecisionState{
		RequestID:       "req-1",
		Status:          request.StatusApproved,
		TokenExpiresAt:  &testExpires,
		TokenConsumedAt: &consumed,
	}}
	engine := &fakeEngine{}
	svc, db := newTestService(store, engine)

	_, err := svc.Decide(context.Background(), DecideParams{
		Token:   "tok-1",
		Approve: true,
		Channel: request.ChannelEmail,
	})
	if !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("expected ErrTokenConsumed, got %v", err)
	}
	if engine.called {
		t.Fatal("engine must not run on a consumed token")
	}
	if db.tx.committed {
		t.Fatal("no commit on a consumed token")
	}
}

func TestDecide_EmailExpiredToken(t *testing.T) {
	expired := testNow.Add(-time.Minute)
	store := &fakeStore{state: DecisionState{
		RequestID:      "req-1",
		Status:         request.StatusUnderReview,
		TokenExpiresAt: &expired,
	}}
	svc, _ := newTestService(store, &fakeEngine{})

	_, err := svc.Decide(context.Background(), DecideParams{
		Token:   "tok-1",
		Approve: false,
		Channel: request.ChannelEmail,
	})
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestDecide_PortalLosesRaceToEmail(t *testing.T) {
	// The email channel committed first: status decided, token consumed. The
	// portal attempt surfaces consumption, not a bare conflict.
	consumed := testNow.Add(-time.Second)
	store := &fakeStore{state: DecisionState{
		RequestID:       "req-1",
		Status:          request.StatusApproved,
		ApproverEmail:   "omar@example.com",
		TokenExpiresAt:  &testExpires,
		TokenConsumedAt: &consumed,
	}}
	engine := &fakeEngine{err: request.ErrConflict}
	svc, _ := newTestService(store, engine)

	_, err := svc.Decide(context.Background(), DecideParams{
		RequestID: "req-1",
		Approve:   true,
		Channel:   request.ChannelPortal,
		Actor:     request.Actor{ID: "user-1", Email: "omar@example.com"},
	})
	if !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("expected ErrTokenConsumed, got %v", err)
	}
}

func TestDecide_PortalForbiddenPassesThrough(t *testing.T) {
	store := &fakeStore{state: DecisionState{
		RequestID:      "req-1",
		Status:         request.StatusUnderReview,
		ApproverEmail:  "omar@example.com",
		TokenExpiresAt: &testExpires,
	}}
	engine := &fakeEngine{err: request.ErrForbidden}
	svc, _ := newTestService(store, engine)

	_, err := svc.Decide(context.Background(), DecideParams{
		RequestID: "req-1",
		Approve:   true,
		Channel:   request.ChannelPortal,
		Actor:     request.Actor{ID: "user-2", Email: "mallory@example.com"},
	})
	if !errors.Is(err, request.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if store.consumedAt != nil {
		t.Fatal("a forbidden attempt must not consume the token")
	}
}

func TestIssueToken_MovesSubmittedToReview(t *testing.T) {
	store := &fakeStore{state: DecisionState{
		RequestID:     "req-1",
		Status:        request.StatusSubmitted,
		ApproverEmail: "omar@example.com",
	}}
	engine := &fakeEngine{}
	svc, db := newTestService(store, engine)

	tok, err := svc.IssueToken(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok.Value != "tok-minted" {
		t.Fatalf("unexpected token %q", tok.Value)
	}
	if !engine.called || engine.params.Event != request.EventStartReview {
		t.Fatalf("expected start_review transition, got %+v", engine.params)
	}
	if store.storedToken != "tok-minted" {
		t.Fatalf("expected token stored, got %q", store.storedToken)
	}
	if len(store.outbox) != 1 || store.outbox[0] != request.TopicApprovalRequested {
		t.Fatalf("expected approval-requested notification, got %v", store.outbox)
	}
	if !db.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestIssueToken_ReissueSupersedes(t *testing.T) {
	store := &fakeStore{state: DecisionState{
		RequestID:     "req-1",
		Status:        request.StatusUnderReview,
		ApproverEmail: "omar@example.com",
	}}
	engine := &fakeEngine{}
	svc, _ := newTestService(store, engine)

	if _, err := svc.IssueToken(context.Background(), "req-1"); err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if engine.called {
		t.Fatal("reissue must not replay the start_review transition")
	}
	if store.storedToken != "tok-minted" {
		t.Fatal("reissue must install the fresh token")
	}
}

func TestIssueToken_DecidedRecordConflicts(t *testing.T) {
	store := &fakeStore{state: DecisionState{
		RequestID: "req-1",
		Status:    request.StatusApproved,
	}}
	svc, _ := newTestService(store, &fakeEngine{})

	if _, err := svc.IssueToken(context.Background(), "req-1"); !errors.Is(err, request.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDecideExtension_ApproveMovesDue(t *testing.T) {
	due := testNow.Add(14 * 24 * time.Hour)
	store := &fakeStore{
		state: DecisionState{
			RequestID:     "req-1",
			Status:        request.StatusInUse,
			ApproverEmail: "omar@example.com",
		},
		extension: ExtensionState{
			ExtensionID:    "ext-1",
			RequestID:      "req-1",
			Status:         request.ExtensionPending,
			RequestedDue:   due,
			TokenExpiresAt: &testExpires,
		},
	}
	svc, db := newTestService(store, &fakeEngine{})

	ext, err := svc.DecideExtension(context.Background(), ExtensionDecideParams{
		Token:   "ext-tok",
		Approve: true,
		Channel: request.ChannelEmail,
	})
	if err != nil {
		t.Fatalf("decide extension: %v", err)
	}
	if ext.Status != request.ExtensionApproved {
		t.Fatalf("expected approved, got %s", ext.Status)
	}
	if !store.extensionDecided {
		t.Fatal("expected the extension decision to be persisted")
	}
	if !db.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestDecideExtension_AlreadyDecided(t *testing.T) {
	store := &fakeStore{
		state: DecisionState{RequestID: "req-1", Status: request.StatusInUse, ApproverEmail: "omar@example.com"},
		extension: ExtensionState{
			ExtensionID:    "ext-1",
			RequestID:      "req-1",
			Status:         request.ExtensionApproved,
			TokenExpiresAt: &testExpires,
		},
	}
	svc, _ := newTestService(store, &fakeEngine{})

	_, err := svc.DecideExtension(context.Background(), ExtensionDecideParams{
		Token:   "ext-tok",
		Approve: false,
		Channel: request.ChannelEmail,
	})
	if !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("email replay should read as consumed, got %v", err)
	}

	_, err = svc.DecideExtension(context.Background(), ExtensionDecideParams{
		ExtensionID: "ext-1",
		Approve:     false,
		Channel:     request.ChannelPortal,
		Actor:       request.Actor{Email: "omar@example.com"},
	})
	if !errors.Is(err, request.ErrConflict) {
		t.Fatalf("portal replay should conflict, got %v", err)
	}
}

func TestDecideExtension_TerminalParentConflicts(t *testing.T) {
	// The parent closed while the extension sat pending. Granting it now would
	// rewrite the deadline on a finished record.
	store := &fakeStore{
		state: DecisionState{RequestID: "req-1", Status: request.StatusCompleted, ApproverEmail: "omar@example.com"},
		extension: ExtensionState{
			ExtensionID:    "ext-1",
			RequestID:      "req-1",
			Status:         request.ExtensionPending,
			TokenExpiresAt: &testExpires,
		},
	}
	svc, db := newTestService(store, &fakeEngine{})

	_, err := svc.DecideExtension(context.Background(), ExtensionDecideParams{
		Token:   "ext-tok",
		Approve: true,
		Channel: request.ChannelEmail,
	})
	if !errors.Is(err, request.ErrConflict) {
		t.Fatalf("expected ErrConflict on a closed parent, got %v", err)
	}
	if store.extensionDecided {
		t.Fatal("extension on a closed parent must not be persisted")
	}
	if db.tx.committed {
		t.Fatal("no commit on a closed parent")
	}
}

func TestDecideExtension_PortalGuard(t *testing.T) {
	store := &fakeStore{
		state: DecisionState{RequestID: "req-1", Status: request.StatusInUse, ApproverEmail: "omar@example.com"},
		extension: ExtensionState{
			ExtensionID:    "ext-1",
			RequestID:      "req-1",
			Status:         request.ExtensionPending,
			TokenExpiresAt: &testExpires,
		},
	}
	svc, _ := newTestService(store, &fakeEngine{})

	_, err := svc.DecideExtension(context.Background(), ExtensionDecideParams{
		ExtensionID: "ext-1",
		Approve:     true,
		Channel:     request.ChannelPortal,
		Actor:       request.Actor{Email: "mallory@example.com"},
	})
	if !errors.Is(err, request.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	if _, err := svc.DecideExtension(context.Background(), ExtensionDecideParams{
		ExtensionID: "ext-1",
		Approve:     true,
		Channel:     request.ChannelPortal,
		Actor:       request.Actor{Email: "OMAR@Example.com"},
	}); err != nil {
		t.Fatalf("approver email match is case-insensitive, got %v", err)
	}
}

// --- fakes ---

type fakeMinter struct {
	token string
}

func (f *fakeMinter) NewToken() (string, error) { return f.token, nil }

type fakeEngine struct {
	result request.TransitionResult
	err    error

	called bool
	params request.TransitionParams
}

func (f *fakeEngine) TransitionTx(_ context.Context, _ pgx.Tx, params request.TransitionParams) (request.TransitionResult, error) {
	f.called = true
	f.params = params
	if f.err != nil {
		return request.TransitionResult{}, f.err
	}
	return f.result, nil
}

type fakeStore struct {
	state     DecisionState
	extension ExtensionState
	findErr   error

	storedToken      string
	consumedAt       *time.Time
	extensionDecided bool
	audits           []request.AuditEntry
	outbox           []string
}

func (f *fakeStore) GetByTokenForUpdate(_ context.Context, _ pgx.Tx, _ string) (DecisionState, error) {
	if f.findErr != nil {
		return DecisionState{}, f.findErr
	}
	return f.state, nil
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (DecisionState, error) {
	if f.findErr != nil {
		return DecisionState{}, f.findErr
	}
	return f.state, nil
}

func (f *fakeStore) FindByToken(_ context.Context, _ Querier, _ string) (DecisionState, error) {
	if f.findErr != nil {
		return DecisionState{}, f.findErr
	}
	return f.state, nil
}

func (f *fakeStore) StoreToken(_ context.Context, _ pgx.Tx, _ string, token string, _ time.Time) error {
	f.storedToken = token
	return nil
}

func (f *fakeStore) ConsumeToken(_ context.Context, _ pgx.Tx, _ string, at time.Time) error {
	f.consumedAt = &at
	return nil
}

func (f *fakeStore) EnqueueOutbox(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.outbox = append(f.outbox, topic)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, _ pgx.Tx, entry request.AuditEntry) error {
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeStore) FindExtensionByToken(_ context.Context, _ Querier, _ string) (ExtensionState, error) {
	return f.extension, nil
}

func (f *fakeStore) FindExtensionByID(_ context.Context, _ Querier, _ string) (ExtensionState, error) {
	return f.extension, nil
}

func (f *fakeStore) LockExtension(_ context.Context, _ pgx.Tx, _ string) (ExtensionState, error) {
	return f.extension, nil
}

func (f *fakeStore) DecideExtension(_ context.Context, _ pgx.Tx, _ ExtensionState, _ bool, _ time.Time) error {
	f.extensionDecided = true
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("fakeDB does not serve queries; the store is faked")
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
