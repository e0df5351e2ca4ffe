package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultBaseURL = "https://api.stripe.com/v1"

// Client is a minimal form-encoded API client covering the calls checkout
// initiation needs. Webhook traffic never goes through it.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type ClientOption func(*Client)

// WithBaseURL points the client at a different API host, used by tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 12 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) CreateCustomer(ctx context.Context, name, email string, metadata map[string]string) (*Customer, error) {
	form := url.Values{}
	if name != "" {
		form.Set("name", name)
	}
	if email != "" {
		form.Set("email", email)
	}
	for k, v := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var customer Customer
	if err := c.doRequest(ctx, "/customers", form, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

type CheckoutSessionParams struct {
	Mode        string // "payment" or "subscription"
	PriceID     string
	Amount      int64
	Currency    string
	ProductName string
	CustomerID  string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", params.Mode)
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	if params.CustomerID != "" {
		form.Set("customer", params.CustomerID)
	}

	form.Set("line_items[0][quantity]", "1")
	if params.PriceID != "" {
		form.Set("line_items[0][price]", params.PriceID)
	} else {
		form.Set("line_items[0][price_data][currency]", params.Currency)
		form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(params.Amount, 10))
		form.Set("line_items[0][price_data][product_data][name]", params.ProductName)
	}

	for k, v := range params.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
		if params.Mode == "subscription" {
			form.Set(fmt.Sprintf("subscription_data[metadata][%s]", k), v)
		}
	}

	var session CheckoutSession
	if err := c.doRequest(ctx, "/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *Client) doRequest(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("stripe: %s (%s)", apiErr.Error.Message, apiErr.Error.Type)
		}
		return fmt.Errorf("stripe: unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
