package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/repo"
)

// Candidate is one debt the dispatcher has to account for. Omitted candidates
// have no usable address and are logged instead of sent.
type Candidate struct {
	Debt       model.Debt
	Contacts   []string
	Omitted    bool
	OmitReason string
}

type Selector struct {
	debts    repo.DebtRepository
	contacts repo.ContactDirectory
	validate *Validator
	log      *slog.Logger
}

func NewSelector(debts repo.DebtRepository, contacts repo.ContactDirectory, validate *Validator, log *slog.Logger) *Selector {
	if log == nil {
		log = slog.Default()
	}
	return &Selector{debts: debts, contacts: contacts, validate: validate, log: log}
}

// SelectEligibleDebts returns one candidate per unpaid debt due between today
// and today+lookaheadDays, both inclusive, in due-date order.
func (s *Selector) SelectEligibleDebts(ctx context.Context, today time.Time, lookaheadDays int) ([]Candidate, error) {
	from := calendarDate(today)
	to := from.AddDate(0, 0, lookaheadDays)

	debts, err := s.debts.ListUnpaidDueBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list debts: %w", err)
	}
	if len(debts) == 0 {
		return nil, nil
	}

	seenDebt := make(map[string]bool, len(debts))
	var studentIDs []string
	seenStudent := make(map[string]bool)
	unique := debts[:0:0]
	for _, d := range debts {
		if seenDebt[d.ID] {
			continue
		}
		seenDebt[d.ID] = true
		unique = append(unique, d)
		if !seenStudent[d.StudentID] {
			seenStudent[d.StudentID] = true
			studentIDs = append(studentIDs, d.StudentID)
		}
	}

	contacts, err := s.contacts.ContactsForStudents(ctx, studentIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve contacts: %w", err)
	}

	out := make([]Candidate, 0, len(unique))
	for _, d := range unique {
		c := Candidate{Debt: d, Contacts: s.addresses(contacts[d.StudentID])}
		if len(c.Contacts) == 0 {
			c.Omitted = true
			if len(contacts[d.StudentID]) == 0 {
				c.OmitReason = "no guardian contact on file"
			} else {
				c.OmitReason = "no valid guardian email address"
			}
		}
		out = append(out, c)
	}

	s.log.DebugContext(ctx, "reminder candidates selected",
		"from", from.Format(model.DateLayout),
		"to", to.Format(model.DateLayout),
		"count", len(out),
	)
	return out, nil
}

func (s *Selector) addresses(cs []model.GuardianContact) []string {
	var out []string
	seen := make(map[string]bool, len(cs))
	for _, c := range cs {
		addr := strings.ToLower(strings.TrimSpace(c.Email))
		if addr == "" || seen[addr] || !s.validate.Email(addr) {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

// calendarDate drops the clock part of t, keeping the date as seen in t's location.
func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
