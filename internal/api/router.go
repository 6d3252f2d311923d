package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/payments/references", h.CreateReference)
	mux.HandleFunc("GET /v1/payments/{reference}", h.GetPaymentStatus)
	mux.HandleFunc("POST /v1/payments/{reference}/reconcile", h.ReconcilePayment)
	mux.HandleFunc("POST /v1/payments/{reference}/settle", h.SettlePayment)
	mux.HandleFunc("GET /v1/payments/{reference}/transitions", h.ListPaymentTransitions)

	mux.HandleFunc("POST /v1/reminders/trigger", h.TriggerReminders)
	mux.HandleFunc("GET /v1/reminders/history", h.ListReminderHistory)
	mux.HandleFunc("GET /v1/reminders/history/export", h.ExportReminderHistory)
	mux.HandleFunc("GET /v1/reminders/runs/{date}", h.GetReminderRun)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("school-billing"))
	})

	return mux
}

// ReminderTriggerMiddleware fires the daily reminder trigger whenever a
// request carries an active admin session, then serves the request as usual.
// The session role header is set by the upstream auth layer.
func ReminderTriggerMiddleware(trigger ReminderTrigger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Role") == "admin" {
			trigger.Trigger(r.Context())
		}
		next.ServeHTTP(w, r)
	})
}
