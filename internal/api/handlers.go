package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/school-billing/internal/model"
	"github.com/LeventeLantos/school-billing/internal/scheduler"
	"github.com/LeventeLantos/school-billing/internal/service"
)

const (
	maxBodyBytes    = 1 << 20
	defaultPageSize = 100
	maxPageSize     = 1000
)

type ReminderTrigger interface {
	Trigger(ctx context.Context) bool
}

type Handler struct {
	sched      *scheduler.Scheduler
	references *service.ReferenceGenerator
	reconciler *service.Reconciler
	reminders  ReminderTrigger
	audit      *service.AuditLog
	log        *slog.Logger
}

type Deps struct {
	Scheduler  *scheduler.Scheduler
	References *service.ReferenceGenerator
	Reconciler *service.Reconciler
	Reminders  ReminderTrigger
	Audit      *service.AuditLog
	Log        *slog.Logger
}

func NewHandler(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		sched:      d.Scheduler,
		references: d.References,
		reconciler: d.Reconciler,
		reminders:  d.Reminders,
		audit:      d.Audit,
		log:        log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

type referenceResponse struct {
	Reference     string              `json:"reference"`
	BankRoutingID string              `json:"bankRoutingId"`
	BankName      string              `json:"bankName"`
	AccountHolder string              `json:"accountHolder"`
	Amount        string              `json:"amount"`
	ExpiresAt     time.Time           `json:"expiresAt"`
	Status        model.PaymentStatus `json:"status"`
}

func (h *Handler) CreateReference(w http.ResponseWriter, r *http.Request) {
	var req service.GenerateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.references.Generate(r.Context(), req)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, referenceResponse{
		Reference:     p.Reference,
		BankRoutingID: p.BankRoutingID,
		BankName:      p.BankName,
		AccountHolder: p.AccountHolder,
		Amount:        p.Amount.StringFixed(2),
		ExpiresAt:     p.ExpiresAt,
		Status:        p.Status,
	})
}

type statusResponse struct {
	Reference        string              `json:"reference"`
	Status           model.PaymentStatus `json:"status"`
	StudentID        string              `json:"studentId"`
	ConceptID        string              `json:"conceptId"`
	Amount           string              `json:"amount"`
	ExpiresAt        time.Time           `json:"expiresAt"`
	LinkedPaymentID  *uuid.UUID          `json:"linkedPaymentId"`
	ReceiptHandle    *string             `json:"receiptHandle"`
	PollAfterSeconds int                 `json:"pollAfterSeconds"`
}

func toStatusResponse(v service.PaymentView) statusResponse {
	return statusResponse{
		Reference:        v.Payment.Reference,
		Status:           v.Payment.Status,
		StudentID:        v.Payment.StudentID,
		ConceptID:        v.Payment.ConceptID,
		Amount:           v.Payment.Amount.StringFixed(2),
		ExpiresAt:        v.Payment.ExpiresAt,
		LinkedPaymentID:  v.Payment.LinkedPaymentID,
		ReceiptHandle:    v.ReceiptHandle,
		PollAfterSeconds: int(v.PollAfter / time.Second),
	}
}

func (h *Handler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.reconciler.GetStatus(r.Context(), r.PathValue("reference"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(v))
}

func (h *Handler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	var proof model.ConfirmationProof
	if !decodeBody(w, r, &proof) {
		return
	}

	v, err := h.reconciler.Reconcile(r.Context(), r.PathValue("reference"), proof)
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(v))
}

func (h *Handler) SettlePayment(w http.ResponseWriter, r *http.Request) {
	v, err := h.reconciler.Settle(r.Context(), r.PathValue("reference"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(v))
}

func (h *Handler) ListPaymentTransitions(w http.ResponseWriter, r *http.Request) {
	items, err := h.audit.ListTransitions(r.Context(), r.PathValue("reference"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	if items == nil {
		items = []model.PaymentTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) TriggerReminders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": h.reminders.Trigger(r.Context())})
}

func (h *Handler) ListReminderHistory(w http.ResponseWriter, r *http.Request) {
	f := entryFilter(r)
	if err := service.CheckFilter(f); err != nil {
		writeError(w, r, h.log, err)
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	items := make([]model.EmailLogEntry, 0)
	for e, err := range h.audit.ListEntries(r.Context(), f) {
		if err != nil {
			writeError(w, r, h.log, err)
			return
		}
		items = append(items, e)
		if len(items) == limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ExportReminderHistory(w http.ResponseWriter, r *http.Request) {
	f := entryFilter(r)
	if err := service.CheckFilter(f); err != nil {
		writeError(w, r, h.log, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="reminder-history-%s.csv"`, time.Now().UTC().Format("20060102")))
	w.WriteHeader(http.StatusOK)

	if err := h.audit.ExportCSV(r.Context(), w, f); err != nil {
		// Headers are gone; the truncated file is all the client gets.
		h.log.ErrorContext(r.Context(), "reminder history export failed", "err", err)
	}
}

func (h *Handler) GetReminderRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.audit.GetRun(r.Context(), r.PathValue("date"))
	if err != nil {
		writeError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func entryFilter(r *http.Request) model.EntryFilter {
	q := r.URL.Query()
	return model.EntryFilter{
		Status:   model.Outcome(q.Get("status")),
		DateFrom: q.Get("dateFrom"),
		DateTo:   q.Get("dateTo"),
		Search:   q.Get("search"),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
