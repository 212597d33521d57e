/**
 * @description
 * Operator script that files a customer closure with the corebanking service. It prints
 * the customer's sub-accounts, asks for confirmation and submits a CUSTOMER_MODIFICATION
 * approval request with status CLOSED. The accounts close once a higher role approves.
 *
 * Usage:
 *   go run ./cmd/close-customer <customer-id> "<reason>"
 *
 * @dependencies
 * - github.com/joho/godotenv: .env loading.
 * - Environment variables: COREBANKING_URL, COREBANKING_TOKEN (a MANAGER or higher staff token).
 */

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/serenityneo/corebanking-service/internal/domain"
)

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: go run ./cmd/close-customer <customer-id> \"<reason>\"")
		os.Exit(1)
	}
	customerID, err := uuid.Parse(os.Args[1])
	if err != nil {
		log.Fatalf("customer id must be a UUID: %v", err)
	}
	reason := strings.TrimSpace(os.Args[2])

	_ = godotenv.Load()
	c := client{
		baseURL: strings.TrimSuffix(os.Getenv("COREBANKING_URL"), "/"),
		token:   os.Getenv("COREBANKING_TOKEN"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	if c.token == "" {
		log.Fatal("COREBANKING_TOKEN environment variable is required")
	}
	if c.baseURL == "" {
		c.baseURL = "http://localhost:8080"
		fmt.Println("Using default URL:", c.baseURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var accounts []domain.Account
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/customers/%s/accounts", customerID), nil, http.StatusOK, &accounts); err != nil {
		log.Fatalf("Failed to fetch accounts: %v", err)
	}
	fmt.Printf("Accounts of %s:\n", customerID)
	for _, account := range accounts {
		fmt.Printf("  %s %s  balance %s  %s\n", account.Code, account.Currency, account.Balance.StringFixed(2), account.Status)
	}

	fmt.Printf("\nFile a closure request for this customer? (yes/no): ")
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Closure cancelled.")
		os.Exit(0)
	}

	closed := domain.CustomerClosed
	payload, err := json.Marshal(domain.CustomerModificationPayload{CustomerID: customerID, Status: &closed})
	if err != nil {
		log.Fatalf("Failed to encode payload: %v", err)
	}
	var request domain.ApprovalRequest
	err = c.do(ctx, http.MethodPost, "/v1/approvals", map[string]interface{}{
		"request_type": domain.ApprovalCustomerModification,
		"reference_id": customerID,
		"payload":      json.RawMessage(payload),
		"reason":       reason,
	}, http.StatusCreated, &request)
	if err != nil {
		log.Fatalf("Failed to submit closure: %v", err)
	}

	fmt.Printf("Closure request %s submitted, awaiting %s approval until %s\n",
		request.ID, request.RequiredApproverRole, request.ExpiresAt.Format(time.RFC3339))
}

func (c client) do(ctx context.Context, method, path string, in interface{}, wantStatus int, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		var apiErr apiError
		if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("corebanking API error: %s - %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("corebanking API error with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
