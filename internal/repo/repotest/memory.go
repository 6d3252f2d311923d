// Package repotest provides an in-memory implementation of the repositories
// for tests.
package repotest

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/repo"
)

// MemoryStore keeps every record in process memory behind one mutex. It
// honours the same conditional-write contracts as the Postgres repositories.
type MemoryStore struct {
	mu sync.Mutex

	debts       map[string]model.Debt
	contacts    map[string][]model.GuardianContact
	payments    map[string]model.PendingPayment // by reference
	settlements map[string]model.Payment        // by reference
	transitions map[string][]model.PaymentTransition
	runs        map[string]model.ReminderRun
	entries     []model.EmailLogEntry
}

var (
	_ repo.DebtRepository     = (*MemoryStore)(nil)
	_ repo.ContactDirectory   = (*MemoryStore)(nil)
	_ repo.PaymentRepository  = (*MemoryStore)(nil)
	_ repo.RunRepository      = (*MemoryStore)(nil)
	_ repo.EmailLogRepository = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		debts:       make(map[string]model.Debt),
		contacts:    make(map[string][]model.GuardianContact),
		payments:    make(map[string]model.PendingPayment),
		settlements: make(map[string]model.Payment),
		transitions: make(map[string][]model.PaymentTransition),
		runs:        make(map[string]model.ReminderRun),
	}
}

// PutDebt seeds a debt; billing owns debts so there is no public create path.
func (s *MemoryStore) PutDebt(d model.Debt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debts[d.ID] = d
}

func (s *MemoryStore) PutContact(c model.GuardianContact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.StudentID] = append(s.contacts[c.StudentID], c)
}

// PutPayment stores p as-is, bypassing the open-record checks. Test seeding only.
func (s *MemoryStore) PutPayment(p model.PendingPayment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.Reference] = p
}

func (s *MemoryStore) GetDebt(ctx context.Context, id string) (model.Debt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.debts[id]
	if !ok {
		return model.Debt{}, repo.ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) ListUnpaidDueBetween(ctx context.Context, from, to time.Time) ([]model.Debt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lo, hi := from.Format(model.DateLayout), to.Format(model.DateLayout)
	var out []model.Debt
	for _, d := range s.debts {
		due := d.DueDate.Format(model.DateLayout)
		if !d.Paid && due >= lo && due <= hi {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b model.Debt) int { return a.DueDate.Compare(b.DueDate) })
	return out, nil
}

func (s *MemoryStore) ContactsForStudents(ctx context.Context, studentIDs []string) (map[string][]model.GuardianContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]model.GuardianContact, len(studentIDs))
	for _, id := range studentIDs {
		if cs := s.contacts[id]; len(cs) > 0 {
			out[id] = slices.Clone(cs)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreatePending(ctx context.Context, p model.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.payments[p.Reference]; taken {
		return repo.ErrDuplicateReference
	}
	for _, existing := range s.payments {
		if existing.DebtID == p.DebtID && existing.Status.Open() {
			return repo.ErrOpenPaymentExists
		}
	}
	s.payments[p.Reference] = p
	s.transitions[p.Reference] = append(s.transitions[p.Reference], model.PaymentTransition{
		Reference: p.Reference,
		To:        p.Status,
		At:        p.CreatedAt,
		Detail:    "reference issued",
	})
	return nil
}

func (s *MemoryStore) GetByReference(ctx context.Context, reference string) (model.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[reference]
	if !ok {
		return model.PendingPayment{}, repo.ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) GetOpenByDebt(ctx context.Context, debtID string) (model.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.DebtID == debtID && p.Status.Open() {
			return p, nil
		}
	}
	return model.PendingPayment{}, repo.ErrNotFound
}

func (s *MemoryStore) ReferenceExists(ctx context.Context, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.payments[reference]
	return ok, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, p model.PendingPayment, from model.PaymentStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.payments[p.Reference]
	if !ok {
		return repo.ErrNotFound
	}
	if cur.Status != from {
		return repo.ErrStaleStatus
	}
	cur.Status = p.Status
	cur.Proof = p.Proof
	cur.UpdatedAt = p.UpdatedAt
	s.payments[p.Reference] = cur
	s.appendTransitionLocked(p.Reference, from, p.Status, p.UpdatedAt, detail)
	return nil
}

func (s *MemoryStore) Settle(ctx context.Context, p model.PendingPayment, payment model.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.payments[p.Reference]
	if !ok {
		return false, repo.ErrNotFound
	}
	if cur.Status != model.Confirmed {
		return false, repo.ErrStaleStatus
	}

	id := payment.ID
	cur.Status = model.Paid
	cur.LinkedPaymentID = &id
	cur.UpdatedAt = p.UpdatedAt
	s.payments[p.Reference] = cur
	s.settlements[p.Reference] = payment

	flipped := false
	if d, ok := s.debts[cur.DebtID]; ok && !d.Paid {
		d.Paid = true
		s.debts[cur.DebtID] = d
		flipped = true
	}
	s.appendTransitionLocked(p.Reference, model.Confirmed, model.Paid, p.UpdatedAt, "settled as payment "+id.String())
	return flipped, nil
}

func (s *MemoryStore) SetReceiptHandle(ctx context.Context, reference, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[reference]
	if !ok {
		return repo.ErrNotFound
	}
	if cur.ReceiptHandle == nil {
		h := handle
		cur.ReceiptHandle = &h
		s.payments[reference] = cur
	}
	return nil
}

func (s *MemoryStore) RecordRejection(ctx context.Context, reference string, status model.PaymentStatus, at time.Time, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[reference]
	if !ok {
		return repo.ErrNotFound
	}
	if cur.Status != status {
		return repo.ErrStaleStatus
	}
	s.appendTransitionLocked(reference, status, status, at, detail)
	return nil
}

func (s *MemoryStore) ListTransitions(ctx context.Context, reference string) ([]model.PaymentTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[reference]; !ok {
		return nil, repo.ErrNotFound
	}
	return slices.Clone(s.transitions[reference]), nil
}

// Settlement returns the payment row created for reference, if any.
func (s *MemoryStore) Settlement(reference string) (model.Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.settlements[reference]
	return p, ok
}

func (s *MemoryStore) appendTransitionLocked(ref string, from, to model.PaymentStatus, at time.Time, detail string) {
	s.transitions[ref] = append(s.transitions[ref], model.PaymentTransition{
		Reference: ref,
		From:      from,
		To:        to,
		At:        at,
		Detail:    detail,
	})
}

func (s *MemoryStore) AcquireRun(ctx context.Context, runDate string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[runDate]
	if exists && !run.Status.Acquirable() {
		return false, nil
	}
	started := at
	s.runs[runDate] = model.ReminderRun{
		RunDate:   runDate,
		Status:    model.RunInProgress,
		Attempts:  run.Attempts + 1,
		StartedAt: &started,
	}
	return true, nil
}

func (s *MemoryStore) FinishRun(ctx context.Context, run model.ReminderRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.runs[run.RunDate]
	if !ok {
		return repo.ErrNotFound
	}
	if cur.Status != model.RunInProgress {
		return repo.ErrStaleStatus
	}
	cur.Status = run.Status
	cur.SuccessCount = run.SuccessCount
	cur.ErrorCount = run.ErrorCount
	cur.OmittedCount = run.OmittedCount
	cur.FailureReason = run.FailureReason
	cur.FinishedAt = run.FinishedAt
	s.runs[run.RunDate] = cur
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runDate string) (model.ReminderRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runDate]
	if !ok {
		return model.ReminderRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *MemoryStore) AppendEntry(ctx context.Context, e model.EmailLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.RecipientContacts = slices.Clone(e.RecipientContacts)
	s.entries = append(s.entries, e)
	return nil
}

// ListEntries yields entries newest first. The snapshot is taken when
// iteration starts, so appends during iteration are not observed.
func (s *MemoryStore) ListEntries(ctx context.Context, f model.EntryFilter) iter.Seq2[model.EmailLogEntry, error] {
	return func(yield func(model.EmailLogEntry, error) bool) {
		s.mu.Lock()
		snapshot := slices.Clone(s.entries)
		s.mu.Unlock()

		for i := len(snapshot) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				yield(model.EmailLogEntry{}, err)
				return
			}
			e := snapshot[i]
			if !MatchesFilter(e, f) {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// MatchesFilter applies f to e the same way the SQL filter does.
func MatchesFilter(e model.EmailLogEntry, f model.EntryFilter) bool {
	if f.Status != "" && e.Outcome != f.Status {
		return false
	}
	if f.DateFrom != "" && e.RunDate < f.DateFrom {
		return false
	}
	if f.DateTo != "" && e.RunDate > f.DateTo {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hay := strings.ToLower(e.StudentName + " " + e.ConceptName + " " + strings.Join(e.RecipientContacts, " "))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}
