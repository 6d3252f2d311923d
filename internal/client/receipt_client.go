package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/LeventeLantos/school-billing/internal/model"
)

// ReceiptClient asks the external receipt service to issue a receipt for a
// settled payment and returns the opaque handle it answers with.
type ReceiptClient struct {
	url    string
	client *http.Client
}

func NewReceiptClient(url string, timeout time.Duration) *ReceiptClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReceiptClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type issueRequest struct {
	Reference         string          `json:"reference"`
	PaymentID         string          `json:"paymentId"`
	DebtID            string          `json:"debtId"`
	Amount            decimal.Decimal `json:"amount"`
	BankTransactionID string          `json:"bankTransactionId"`
	PaidAt            time.Time       `json:"paidAt"`
}

type issueResponse struct {
	ReceiptHandle string `json:"receiptHandle"`
}

func (c *ReceiptClient) Issue(ctx context.Context, p model.Payment) (string, error) {
	reqBody, err := json.Marshal(issueRequest{
		Reference:         p.Reference,
		PaymentID:         p.ID.String(),
		DebtID:            p.DebtID,
		Amount:            p.Amount,
		BankTransactionID: p.BankTransactionID,
		PaidAt:            p.PaidAt.UTC(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.Reference)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var ir issueResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if ir.ReceiptHandle == "" {
		return "", fmt.Errorf("missing receiptHandle in response body=%q", string(body))
	}

	return ir.ReceiptHandle, nil
}
