package client

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type sgPayload struct {
	From struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"from"`
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
		Subject string `json:"subject"`
	} `json:"personalizations"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

func TestSendgridMailer_Send_Success(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotAuth string
		got     sgPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := ioReadAll(r)
		if err := json.Unmarshal(b, &got); err != nil {
			t.Errorf("failed to decode body: %v body=%q", err, string(b))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewSendgridMailer("SG.test", "Colegio", "noreply@colegio.example").WithHost(srv.URL)

	err := m.Send(context.Background(), []string{"parent@example.com", "other@example.com"}, "Recordatorio", "body text")
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if gotPath != "/v3/mail/send" {
		t.Fatalf("expected path /v3/mail/send, got %q", gotPath)
	}
	if gotAuth != "Bearer SG.test" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if got.From.Email != "noreply@colegio.example" {
		t.Fatalf("unexpected from: %+v", got.From)
	}
	if len(got.Personalizations) != 1 || len(got.Personalizations[0].To) != 2 {
		t.Fatalf("expected one personalization with 2 recipients, got %+v", got.Personalizations)
	}
	if got.Personalizations[0].To[0].Email != "parent@example.com" {
		t.Fatalf("unexpected first recipient: %+v", got.Personalizations[0].To)
	}
	if got.Personalizations[0].Subject != "[Colegio] Recordatorio" {
		t.Fatalf("unexpected subject %q", got.Personalizations[0].Subject)
	}
	if len(got.Content) != 1 || got.Content[0].Type != "text/plain" || got.Content[0].Value != "body text" {
		t.Fatalf("unexpected content: %+v", got.Content)
	}
}

func TestSendgridMailer_Send_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"message":"invalid email"}]}`))
	}))
	defer srv.Close()

	m := NewSendgridMailer("SG.test", "Colegio", "noreply@colegio.example").WithHost(srv.URL)

	err := m.Send(context.Background(), []string{"parent@example.com"}, "s", "b")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "unexpected status code: 400") {
		t.Fatalf("expected status code in error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "invalid email") {
		t.Fatalf("expected body in error, got: %v", err)
	}
}

func TestSendgridMailer_Send_NoRecipients(t *testing.T) {
	t.Parallel()

	m := NewSendgridMailer("SG.test", "Colegio", "noreply@colegio.example").WithHost("http://127.0.0.1:1")
	if err := m.Send(context.Background(), nil, "s", "b"); err == nil {
		t.Fatalf("expected error for empty recipients")
	}
}

func TestLogMailer_Send(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	m := NewLogMailer(slog.New(slog.NewJSONHandler(&buf, nil)))

	if err := m.Send(context.Background(), []string{"parent@example.com"}, "Recordatorio", "hi"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "parent@example.com") || !strings.Contains(out, "Recordatorio") {
		t.Fatalf("expected recipient and subject in log, got %s", out)
	}
	if err := m.Send(context.Background(), nil, "s", "b"); err == nil {
		t.Fatalf("expected error for empty recipients")
	}
}
