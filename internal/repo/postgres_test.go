package repo

import (
	"reflect"
	"strings"
	"testing"

	"github.com/LeventeLantos/school-billing/internal/model"
)

func TestEntryWhere(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		filter    model.EntryFilter
		wantWhere string
		wantArgs  []any
	}{
		{
			name: "empty filter",
		},
		{
			name:      "status only",
			filter:    model.EntryFilter{Status: model.OutcomeOmitted},
			wantWhere: "WHERE outcome = $1",
			wantArgs:  []any{"omitido"},
		},
		{
			name:      "dates and search",
			filter:    model.EntryFilter{DateFrom: "2026-05-01", DateTo: "2026-05-31", Search: " 50%_off "},
			wantWhere: "WHERE run_date >= $1::date AND run_date <= $2::date AND (student_name || ' ' || concept_name || ' ' || array_to_string(recipient_contacts, ' ')) ILIKE $3",
			wantArgs:  []any{"2026-05-01", "2026-05-31", `%50\%\_off%`},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			where, args := entryWhere(tc.filter)
			if where != tc.wantWhere {
				t.Fatalf("where = %q, want %q", where, tc.wantWhere)
			}
			if !reflect.DeepEqual(args, tc.wantArgs) {
				t.Fatalf("args = %#v, want %#v", args, tc.wantArgs)
			}
		})
	}
}

func TestSchemaDeclaresConstraintsTheRepositoryReliesOn(t *testing.T) {
	t.Parallel()

	for _, want := range []string{
		"pending_payments_reference_key",
		"pending_payments_open_debt_key",
		"WHERE status IN ('pending_confirmation', 'confirmed')",
		"run_date       DATE PRIMARY KEY",
	} {
		if !strings.Contains(schema, want) {
			t.Fatalf("schema is missing %q", want)
		}
	}
}
