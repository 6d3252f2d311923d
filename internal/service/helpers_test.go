package service_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/school-billing/internal/cache"
	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/repo/repotest"
	"github.com/LeventeLantos/school-billing/internal/service"
)

const testRoutingID = "012180001234567891"

var (
	baseNow   = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	quietLog  = slog.New(slog.NewTextHandler(io.Discard, nil))
	validate  = service.NewValidator()
	debtD1Amt = decimal.RequireFromString("500.00")
)

// clock is a settable time source shared by the components under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func day(offset int) time.Time {
	y, m, d := baseNow.Date()
	return time.Date(y, m, d+offset, 0, 0, 0, 0, time.UTC)
}

func seedD1(s *repotest.MemoryStore) model.Debt {
	d := model.Debt{
		ID:          "D1",
		StudentID:   "S1",
		StudentName: "Ana Ruiz",
		ConceptID:   "C-TUITION-05",
		ConceptName: "Colegiatura mayo",
		Amount:      debtD1Amt,
		DueDate:     day(2),
	}
	s.PutDebt(d)
	return d
}

func d1Request() service.GenerateRequest {
	return service.GenerateRequest{
		DebtID:    "D1",
		StudentID: "S1",
		ConceptID: "C-TUITION-05",
		Amount:    decimal.RequireFromString("500"),
	}
}

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake.NewNode() error: %v", err)
	}
	return node
}

func newGenerator(t *testing.T, s *repotest.MemoryStore, c *clock) *service.ReferenceGenerator {
	t.Helper()
	return service.NewReferenceGenerator(
		s, s, newNode(t),
		service.BankAccount{RoutingID: testRoutingID, Name: "BBVA", Holder: "Colegio"},
		72*time.Hour, validate, quietLog,
	).WithClock(c.Now)
}

type fakeIssuer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeIssuer) Issue(ctx context.Context, p model.Payment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "rcpt-" + p.Reference, nil
}

func (f *fakeIssuer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeIssuer) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newReconciler(s *repotest.MemoryStore, issuer service.ReceiptIssuer, c *clock) *service.Reconciler {
	return newReconcilerWithLog(s, issuer, c, quietLog)
}

func newReconcilerWithLog(s *repotest.MemoryStore, issuer service.ReceiptIssuer, c *clock, log *slog.Logger) *service.Reconciler {
	return service.NewReconciler(s, issuer, cache.NewMemoryCache(), validate, 30*time.Second, log).WithClock(c.Now)
}

type sentMail struct {
	To      []string
	Subject string
	Body    string
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []sentMail
	failOn map[string]error
	panics bool
}

func (m *fakeMailer) Send(ctx context.Context, to []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panics {
		panic("mail transport exploded")
	}
	for _, addr := range to {
		if err := m.failOn[addr]; err != nil {
			return err
		}
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *fakeMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

// flakyDebts fails ListUnpaidDueBetween while failing is set.
type flakyDebts struct {
	*repotest.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (f *flakyDebts) SetFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *flakyDebts) ListUnpaidDueBetween(ctx context.Context, from, to time.Time) ([]model.Debt, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return nil, errors.New("connection reset by peer")
	}
	return f.MemoryStore.ListUnpaidDueBetween(ctx, from, to)
}

func collect(t *testing.T, seq iter.Seq2[model.EmailLogEntry, error]) []model.EmailLogEntry {
	t.Helper()
	var out []model.EmailLogEntry
	for e, err := range seq {
		if err != nil {
			t.Fatalf("ListEntries() error: %v", err)
		}
		out = append(out, e)
	}
	return out
}
