package claim

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"loandesk/request"
)

func guestRecord(id, email, name string) request.Record {
	return request.Record{
		ID:         id,
		Status:     request.StatusSubmitted,
		GuestName:  &name,
		GuestEmail: &email,
	}
}

func TestClaim_Success(t *testing.T) {
	db := &fakeDB{}
	store := &fakeStore{record: guestRecord("req-1", "dana@example.com", "Dana Desk")}
	svc := NewService(db, store)

	res, err := svc.Claim(context.Background(), "req-1", Actor{ID: "user-1", Email: "dana@example.com"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.AlreadyClaimed {
		t.Fatal("first claim is not a replay")
	}
	if store.linkedUserID != "user-1" {
		t.Fatalf("expected identity linked, got %q", store.linkedUserID)
	}
	if len(store.audits) != 1 || store.audits[0].Remarks != "claimed" {
		t.Fatalf("expected one claimed audit, got %+v", store.audits)
	}
	if store.audits[0].Payload["guest_email"] != "dana@example.com" {
		t.Fatal("audit payload must preserve the guest contact")
	}
	if len(store.outbox) != 1 || store.outbox[0] != request.TopicRequestClaimed {
		t.Fatalf("expected claimed notification, got %v", store.outbox)
	}
	if !db.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestClaim_EmailMatchIsCaseInsensitive(t *testing.T) {
	db := &fakeDB{}
	store := &fakeStore{record: guestRecord("req-1", "Dana@Example.COM", "Dana Desk")}
	svc := NewService(db, store)

	if _, err := svc.Claim(context.Background(), "req-1", Actor{ID: "user-1", Email: " dana@example.com "}); err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func TestClaim_EmailMismatchDenied(t *testing.T) {
	db := &fakeDB{}
	store := &fakeStore{record: guestRecord("req-1", "dana@example.com", "Dana Desk")}
	svc := NewService(db, store)

	_, err := svc.Claim(context.Background(), "req-1", Actor{ID: "user-2", Email: "mallory@example.com"})

	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != ReasonEmailMismatch {
		t.Fatalf("expected email_mismatch denial, got %v", err)
	}
	if !errors.Is(err, ErrDenied) {
		t.Fatal("denial must unwrap to ErrDenied")
	}
	if store.linkedUserID != "" {
		t.Fatal("a denied claim must not mutate the record")
	}
	if db.tx.committed {
		t.Fatal("no commit on denial")
	}
}

func TestClaim_AlreadyLinkedToOtherDenied(t *testing.T) {
	other := "user-9"
	rec := request.Record{ID: "req-1", Status: request.StatusInUse, UserID: &other}
	db := &fakeDB{}
	store := &fakeStore{record: rec}
	svc := NewService(db, store)

	_, err := svc.Claim(context.Background(), "req-1", Actor{ID: "user-1", Email: "dana@example.com"})

	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != ReasonAlreadyLinked {
		t.Fatalf("expected already_linked denial, got %v", err)
	}
}

func TestClaim_ReplayByRightfulOwner(t *testing.T) {
	owner := "user-1"
	rec := request.Record{ID: "req-1", Status: request.StatusInUse, UserID: &owner}
	db := &fakeDB{}
	store := &fakeStore{record: rec}
	svc := NewService(db, store)

	res, err := svc.Claim(context.Background(), "req-1", Actor{ID: "user-1", Email: "dana@example.com"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.AlreadyClaimed {
		t.Fatal("replay must report AlreadyClaimed")
	}
	if store.linkedUserID != "" {
		t.Fatal("replay must not rewrite the link")
	}
	if len(store.audits) != 1 || store.audits[0].Remarks != "claim replay" {
		t.Fatalf("replay logs one informational audit, got %+v", store.audits)
	}
	if len(store.outbox) != 0 {
		t.Fatal("replay emits no notification")
	}
}

func TestClaim_MissingIdentityRejected(t *testing.T) {
	svc := NewService(&fakeDB{}, &fakeStore{})

	if _, err := svc.Claim(context.Background(), "req-1", Actor{Email: "dana@example.com"}); err == nil {
		t.Fatal("expected error for missing actor id")
	}
	if _, err := svc.Claim(context.Background(), "", Actor{ID: "user-1", Email: "dana@example.com"}); err == nil {
		t.Fatal("expected error for missing request id")
	}
}

// --- fakes ---

type fakeStore struct {
	record  request.Record
	getErr  error
	linkErr error

	linkedUserID string
	audits       []request.AuditEntry
	outbox       []string
}

func (f *fakeStore) GetForUpdate(_ context.Context, _ pgx.Tx, _ string) (request.Record, error) {
	if f.getErr != nil {
		return request.Record{}, f.getErr
	}
	return f.record, nil
}

func (f *fakeStore) SetIdentity(_ context.Context, _ pgx.Tx, _, userID string) error {
	if f.linkErr != nil {
		return f.linkErr
	}
	f.linkedUserID = userID
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, _ pgx.Tx, entry request.AuditEntry) error {
	f.audits = append(f.audits, entry)
	return nil
}

func (f *fakeStore) EnqueueOutbox(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.outbox = append(f.outbox, topic)
	return nil
}

type fakeDB struct {
	tx *fakeTx
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("fakeDB does not serve queries")
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
