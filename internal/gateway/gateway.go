package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrAccountVerification means the rail could not resolve the destination
// account. Payouts never proceed on an unresolved beneficiary.
var ErrAccountVerification = errors.New("account verification failed")

// Client talks to the bank payout rail. Every call carries the caller's
// context so a cancelled request never leaves a dangling provider call.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type verifyResponse struct {
	AccountName string `json:"account_name"`
}

func (c *Client) VerifyAccount(ctx context.Context, accountNumber, bankCode string) (string, error) {
	var resp verifyResponse
	err := c.post(ctx, "/transfers/verify", map[string]string{
		"account_number": accountNumber,
		"bank_code":      bankCode,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.AccountName == "" {
		return "", ErrAccountVerification
	}
	return resp.AccountName, nil
}

type initiateResponse struct {
	ProviderReference string `json:"provider_reference"`
	Status            string `json:"status"`
}

func (c *Client) InitiateTransfer(ctx context.Context, reference, accountNumber, bankCode string, amount int64, currency, narration string) (string, error) {
	var resp initiateResponse
	err := c.post(ctx, "/transfers", map[string]any{
		"reference":      reference,
		"account_number": accountNumber,
		"bank_code":      bankCode,
		"amount":         amount,
		"currency":       currency,
		"narration":      narration,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ProviderReference == "" {
		return "", fmt.Errorf("gateway accepted transfer %s without a reference", reference)
	}
	return resp.ProviderReference, nil
}

type addressResponse struct {
	Address string `json:"address"`
}

// Allocate asks the custody provider for a deposit address on the given
// network. Addresses are account-scoped on the provider side; asking twice
// for the same (account, asset, network) returns the same address.
func (c *Client) Allocate(ctx context.Context, accountID, asset, network string) (string, error) {
	var resp addressResponse
	err := c.post(ctx, "/custody/addresses", map[string]string{
		"account_id": accountID,
		"asset":      asset,
		"network":    network,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Address == "" {
		return "", errors.New("custody provider returned empty address")
	}
	return resp.Address, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
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
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusNotFound {
		return ErrAccountVerification
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("gateway returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
