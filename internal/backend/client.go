package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"griddesk/internal/model"

	"go.uber.org/zap"
)

// Config holds the billing backend connection settings
type Config struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
}

// Client is the typed facade over the billing backend. Every method issues
// exactly one HTTP call and maps the response to a value or a typed error
// (NotFoundError, DomainError, TransportError). Nothing here retries: the two
// cancel operations are non-idempotent on the server side.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	log     *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		token:   cfg.ServiceToken,
		log:     log,
	}
}

// CheckPaymentByReference verifies a payment reference before cancellation
func (c *Client) CheckPaymentByReference(ctx context.Context, reference string) (*model.PaymentReferenceLookup, error) {
	var out model.PaymentReferenceLookup
	path := "/payments/by-reference/" + url.PathEscape(reference)
	if err := c.get(ctx, path, nil, &out, "payment", reference); err != nil {
		return nil, err
	}
	return &out, nil
}

// LookupCustomerByMeter resolves a meter number to a customer
func (c *Client) LookupCustomerByMeter(ctx context.Context, meterNumber string) (*model.CustomerLookupResult, error) {
	var out model.CustomerLookupResult
	q := url.Values{"meter": {meterNumber}}
	if err := c.get(ctx, "/customers/lookup", q, &out, "customer", meterNumber); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCustomerPayments fetches one page of a customer's payments
func (c *Client) ListCustomerPayments(ctx context.Context, customerID string, page, pageSize int, search string) (*model.CandidatePage, error) {
	q := url.Values{
		"customerId": {customerID},
		"page":       {strconv.Itoa(page)},
		"pageSize":   {strconv.Itoa(pageSize)},
	}
	if search != "" {
		q.Set("search", search)
	}
	var out model.CandidatePage
	if err := c.get(ctx, "/payments", q, &out, "payments", customerID); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelPaymentByReference cancels a payment identified by its reference.
// Non-idempotent; callers must guard against duplicate dispatch.
func (c *Client) CancelPaymentByReference(ctx context.Context, reference, reason string) (*model.CancellationReceipt, error) {
	var out model.CancellationReceipt
	path := "/payments/by-reference/" + url.PathEscape(reference) + "/cancel"
	if err := c.post(ctx, path, map[string]string{"reason": reason}, &out, "payment", reference); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelPaymentByID cancels a payment by its id. Non-idempotent.
func (c *Client) CancelPaymentByID(ctx context.Context, paymentID, reason string) (*model.CancellationReceipt, error) {
	var out model.CancellationReceipt
	path := "/payments/" + url.PathEscape(paymentID) + "/cancel"
	if err := c.post(ctx, path, map[string]string{"reason": reason}, &out, "payment", paymentID); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListVendorCaptures fetches the vendor meter-capture ingestion snapshot
func (c *Client) ListVendorCaptures(ctx context.Context) ([]model.VendorCapture, error) {
	var out struct {
		Items []model.VendorCapture `json:"items"`
	}
	if err := c.get(ctx, "/vendors/captures", nil, &out, "vendor captures", ""); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// DebtRecoverySummary fetches the current debt aging aggregate
func (c *Client) DebtRecoverySummary(ctx context.Context) (*model.DebtSummary, error) {
	var out model.DebtSummary
	if err := c.get(ctx, "/debts/summary", nil, &out, "debt summary", ""); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListResource proxies a paginated console listing (customers, categories,
// departments, roles) straight through to the caller. The console only
// renders these; griddesk adds no semantics of its own.
func (c *Client) ListResource(ctx context.Context, resource string, page, pageSize int, search string) (json.RawMessage, error) {
	q := url.Values{
		"page":     {strconv.Itoa(page)},
		"pageSize": {strconv.Itoa(pageSize)},
	}
	if search != "" {
		q.Set("search", search)
	}
	var out json.RawMessage
	if err := c.get(ctx, "/"+resource, q, &out, resource, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}, resource, key string) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	return c.do(req, out, resource, key)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}, resource, key string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("failed to encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out, resource, key)
}

func (c *Client) do(req *http.Request, out interface{}, resource, key string) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("Backend call failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Resource: resource, Key: key}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var body struct {
			Error   string `json:"error"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return &TransportError{Status: resp.StatusCode, Err: fmt.Errorf("undecodable error body: %w", err)}
		}
		code := body.Code
		if code == "" {
			code = body.Error
		}
		return &DomainError{Code: code, Message: body.Message}
	case resp.StatusCode >= 500:
		return &TransportError{Status: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
