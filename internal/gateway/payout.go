package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/finbase/settleops/internal/domain"
)

// PayoutRequest describes one transfer for the provider to execute.
type PayoutRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	BankCode      string          `json:"bank_code"`
	AccountNumber string          `json:"account_number"`
	AccountName   string          `json:"account_name"`
	Reference     string          `json:"reference"`
	Narration     string          `json:"narration"`
}

// PayoutReceipt is the provider's acknowledgement of a transfer.
type PayoutReceipt struct {
	ProviderRef string `json:"provider_ref"`
}

// PayoutError is a provider-side rejection of a payout, as opposed to a
// transport failure. Both leave the lump unsettled; callers do not need to
// tell them apart.
type PayoutError struct {
	Message string
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("payout rejected: %s", e.Message)
}

// PayoutGateway executes bank transfers and resolves destinations.
type PayoutGateway interface {
	ExecutePayout(ctx context.Context, req PayoutRequest) (*PayoutReceipt, error)
	ResolveBankAccount(ctx context.Context, bankCode, accountNumber, provider string) (*domain.BankAccount, error)
}

// FundingWallet reads the treasury wallet settlement runs draw from.
type FundingWallet interface {
	Balance(ctx context.Context) (domain.WalletBalance, error)
}

// ProviderClient talks to the banking provider over HTTP. It implements
// both PayoutGateway and FundingWallet.
type ProviderClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProviderClient(baseURL, apiKey string) *ProviderClient {
	return &ProviderClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewPayoutReference mints a sortable unique reference for a transfer.
func NewPayoutReference() string {
	return "STL-" + ulid.Make().String()
}

func (c *ProviderClient) ExecutePayout(ctx context.Context, req PayoutRequest) (*PayoutReceipt, error) {
	var out struct {
		Success     bool   `json:"success"`
		Message     string `json:"message"`
		ProviderRef string `json:"provider_ref"`
	}
	if err := c.post(ctx, "/v1/transfers", req, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &PayoutError{Message: out.Message}
	}
	return &PayoutReceipt{ProviderRef: out.ProviderRef}, nil
}

func (c *ProviderClient) ResolveBankAccount(ctx context.Context, bankCode, accountNumber, provider string) (*domain.BankAccount, error) {
	payload := map[string]string{
		"bank_code":      bankCode,
		"account_number": accountNumber,
		"provider":       provider,
	}
	var out struct {
		Success bool               `json:"success"`
		Message string             `json:"message"`
		Account domain.BankAccount `json:"account"`
	}
	if err := c.post(ctx, "/v1/banks/resolve", payload, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &PayoutError{Message: out.Message}
	}
	return &out.Account, nil
}

func (c *ProviderClient) Balance(ctx context.Context) (domain.WalletBalance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/wallet/balance", nil)
	if err != nil {
		return domain.WalletBalance{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.WalletBalance{}, fmt.Errorf("balance request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.WalletBalance{}, fmt.Errorf("balance request returned %d", resp.StatusCode)
	}

	var balance domain.WalletBalance
	if err := json.NewDecoder(resp.Body).Decode(&balance); err != nil {
		return domain.WalletBalance{}, fmt.Errorf("balance decode failed: %w", err)
	}
	return balance, nil
}

func (c *ProviderClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider response decode failed: %w", err)
	}
	return nil
}
