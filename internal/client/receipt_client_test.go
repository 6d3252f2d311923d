package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/school-billing/internal/model"
)

func testPayment() model.Payment {
	return model.Payment{
		ID:                uuid.MustParse("6f1c2a8e-3b0d-4c55-9a51-0d2f5e7c1a11"),
		DebtID:            "D1",
		Reference:         "REF-ABC",
		Amount:            decimal.RequireFromString("500.00"),
		BankTransactionID: "TX-1",
		PaidAt:            time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestReceiptClient_Issue_Success(t *testing.T) {
	t.Parallel()

	type gotReq struct {
		Method      string
		ContentType string
		Idempotency string
		Body        []byte
	}

	var captured gotReq

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Method = r.Method
		captured.ContentType = r.Header.Get("Content-Type")
		captured.Idempotency = r.Header.Get("Idempotency-Key")

		b, _ := ioReadAll(r)
		captured.Body = b

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"receiptHandle":"rcpt-123"}`))
	}))
	defer srv.Close()

	c := NewReceiptClient(srv.URL, time.Second)

	handle, err := c.Issue(context.Background(), testPayment())
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if handle != "rcpt-123" {
		t.Fatalf("expected handle %q, got %q", "rcpt-123", handle)
	}

	if captured.Method != http.MethodPost {
		t.Fatalf("expected method POST, got %q", captured.Method)
	}
	if captured.ContentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", captured.ContentType)
	}
	if captured.Idempotency != "REF-ABC" {
		t.Fatalf("expected Idempotency-Key REF-ABC, got %q", captured.Idempotency)
	}

	var req issueRequest
	if err := json.Unmarshal(captured.Body, &req); err != nil {
		t.Fatalf("failed to decode request json: %v body=%q", err, string(captured.Body))
	}
	if req.Reference != "REF-ABC" || req.DebtID != "D1" || req.BankTransactionID != "TX-1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !req.Amount.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("expected amount 500, got %s", req.Amount)
	}
	if !strings.Contains(string(captured.Body), `"amount":"500"`) {
		t.Fatalf("expected amount serialised as string, got %s", captured.Body)
	}
}

func TestReceiptClient_Issue_UnexpectedStatus_ReturnsErrorWithBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewReceiptClient(srv.URL, time.Second)

	_, err := c.Issue(context.Background(), testPayment())
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	msg := err.Error()
	if !strings.Contains(msg, "unexpected status code: 502") {
		t.Fatalf("expected error to mention status code, got: %v", err)
	}
	if !strings.Contains(msg, `body="upstream down"`) {
		t.Fatalf("expected error to include body, got: %v", err)
	}
}

func TestReceiptClient_Issue_InvalidJSON_ReturnsErrorWithBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("THIS IS NOT JSON"))
	}))
	defer srv.Close()

	c := NewReceiptClient(srv.URL, time.Second)

	_, err := c.Issue(context.Background(), testPayment())
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	msg := err.Error()
	if !strings.Contains(msg, "failed to decode json") {
		t.Fatalf("expected decode error, got: %v", err)
	}
	if !strings.Contains(msg, `body="THIS IS NOT JSON"`) {
		t.Fatalf("expected error to include body, got: %v", err)
	}
}

func TestReceiptClient_Issue_MissingHandle_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	c := NewReceiptClient(srv.URL, time.Second)

	_, err := c.Issue(context.Background(), testPayment())
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "missing receiptHandle") {
		t.Fatalf("expected missing receiptHandle error, got: %v", err)
	}
}

func TestReceiptClient_Issue_ContextCanceled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"receiptHandle":"late"}`))
	}))
	defer srv.Close()

	c := NewReceiptClient(srv.URL, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Issue(ctx, testPayment())
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(strings.ToLower(err.Error()), "context") &&
		!strings.Contains(strings.ToLower(err.Error()), "deadline") {
		t.Fatalf("expected context/deadline error, got: %v", err)
	}
}

func ioReadAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
