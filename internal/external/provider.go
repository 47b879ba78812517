package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"paysync/internal/billing"
	"paysync/internal/types"
)

// providerAPIBase is the default provider API base URL, overridable in
// configuration for tests and sandboxes.
const providerAPIBase = "https://api.stripe.com"

// ProviderClientConfig holds the configuration for creating a ProviderClient.
type ProviderClientConfig struct {
	SecretKey string
	BaseURL   string
	Logger    *slog.Logger
}

// ProviderClient talks to the provider's REST API through BaseClient. It
// implements billing.SubscriptionsAPI, billing.CustomersAPI, and the
// payment-intent retrieval the confirmation resource needs. Writes are
// form-encoded; responses decode into the types.Remote* wire shapes.
type ProviderClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// Interface conformance.
var (
	_ billing.SubscriptionsAPI = (*ProviderClient)(nil)
	_ billing.CustomersAPI     = (*ProviderClient)(nil)
)

// NewProviderClient creates a ProviderClient. The httpClient carries the
// overall call timeout.
func NewProviderClient(httpClient *http.Client, cfg ProviderClientConfig) *ProviderClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = providerAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderClient{
		base:      NewBaseClient(httpClient, "provider", DefaultRetryPolicy(), "paysync/1.0"),
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// NewProviderClientWithBase creates a ProviderClient on a pre-configured
// BaseClient. Used by tests to control retry and breaker behavior.
func NewProviderClientWithBase(base *BaseClient, cfg ProviderClientConfig) *ProviderClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = providerAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// --- billing.CustomersAPI ---

// EnsureCustomer returns the owner's remote customer id, creating the remote
// customer on first use. Search-first keeps retried creations from minting
// duplicate customers.
func (p *ProviderClient) EnsureCustomer(ctx context.Context, owner *types.Owner) (string, error) {
	if owner.HasProviderCustomer() {
		return *owner.ProviderCustomerID, nil
	}

	search := url.Values{}
	search.Set("query", fmt.Sprintf("metadata['owner_id']:'%s'", owner.ID))
	var found struct {
		Data []types.RemoteCustomer `json:"data"`
	}
	if err := p.get(ctx, "/v1/customers/search", search, &found); err != nil {
		return "", err
	}
	if len(found.Data) > 0 {
		return found.Data[0].ID, nil
	}

	params := url.Values{}
	params.Set("email", owner.BillingEmail)
	params.Set("metadata[owner_id]", owner.ID)
	var customer types.RemoteCustomer
	if err := p.post(ctx, "/v1/customers", params, &customer); err != nil {
		return "", err
	}

	p.logger.InfoContext(ctx, "provider customer created",
		"owner_id", owner.ID,
		"customer_id", customer.ID,
	)
	return customer.ID, nil
}

// --- billing.SubscriptionsAPI ---

// Create starts a subscription with incomplete payment behavior: the
// provider answers immediately and the first invoice's payment intent tells
// us whether customer action is still needed.
func (p *ProviderClient) Create(ctx context.Context, in billing.CreateSubscriptionParams) (*types.RemoteSubscription, error) {
	params := url.Values{}
	params.Set("customer", in.CustomerID)
	params.Set("payment_behavior", "default_incomplete")
	params.Set("expand[]", "latest_invoice.payment_intent")
	for i, item := range in.Items {
		params.Set(fmt.Sprintf("items[%d][price]", i), item.PriceID)
		if item.Quantity != nil {
			params.Set(fmt.Sprintf("items[%d][quantity]", i), strconv.FormatInt(*item.Quantity, 10))
		}
	}
	if in.TrialEnd != nil {
		params.Set("trial_end", strconv.FormatInt(in.TrialEnd.Unix(), 10))
	}
	for k, v := range in.Metadata {
		params.Set(fmt.Sprintf("metadata[%s]", k), v)
	}

	var sub types.RemoteSubscription
	if err := p.post(ctx, "/v1/subscriptions", params, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Retrieve fetches the authoritative remote subscription.
func (p *ProviderClient) Retrieve(ctx context.Context, providerSubID string) (*types.RemoteSubscription, error) {
	var sub types.RemoteSubscription
	if err := p.get(ctx, "/v1/subscriptions/"+providerSubID, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Cancel cancels the subscription immediately.
func (p *ProviderClient) Cancel(ctx context.Context, providerSubID string) (*types.RemoteSubscription, error) {
	req, err := p.newRequest(ctx, http.MethodDelete, "/v1/subscriptions/"+providerSubID, "")
	if err != nil {
		return nil, err
	}
	var sub types.RemoteSubscription
	if err := p.send(req, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// AddItem attaches a new priced line to the remote subscription.
func (p *ProviderClient) AddItem(ctx context.Context, providerSubID, priceID string, quantity *int64) (*types.RemoteItem, error) {
	params := url.Values{}
	params.Set("subscription", providerSubID)
	params.Set("price", priceID)
	if quantity != nil {
		params.Set("quantity", strconv.FormatInt(*quantity, 10))
	}
	var item types.RemoteItem
	if err := p.post(ctx, "/v1/subscription_items", params, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// RemoveItem detaches a priced line.
func (p *ProviderClient) RemoveItem(ctx context.Context, providerItemID string) error {
	req, err := p.newRequest(ctx, http.MethodDelete, "/v1/subscription_items/"+providerItemID, "")
	if err != nil {
		return err
	}
	var deleted struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	return p.send(req, &deleted)
}

// Pause suspends invoice collection under the given behavior.
func (p *ProviderClient) Pause(ctx context.Context, providerSubID string, behavior types.PauseBehavior, resumesAt *time.Time) (*types.RemoteSubscription, error) {
	params := url.Values{}
	params.Set("pause_collection[behavior]", string(behavior))
	if resumesAt != nil {
		params.Set("pause_collection[resumes_at]", strconv.FormatInt(resumesAt.Unix(), 10))
	}
	var sub types.RemoteSubscription
	if err := p.post(ctx, "/v1/subscriptions/"+providerSubID, params, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Unpause clears the pause-collection state.
func (p *ProviderClient) Unpause(ctx context.Context, providerSubID string) (*types.RemoteSubscription, error) {
	params := url.Values{}
	params.Set("pause_collection", "")
	var sub types.RemoteSubscription
	if err := p.post(ctx, "/v1/subscriptions/"+providerSubID, params, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// --- Payment intents ---

// RetrieveIntent fetches a payment intent for the confirmation resource.
func (p *ProviderClient) RetrieveIntent(ctx context.Context, intentID string) (*types.RemotePaymentIntent, error) {
	var intent types.RemotePaymentIntent
	if err := p.get(ctx, "/v1/payment_intents/"+intentID, nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// --- Request plumbing ---

func (p *ProviderClient) newRequest(ctx context.Context, method, path, body string) (*http.Request, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build provider request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

func (p *ProviderClient) get(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path = path + "?" + query.Encode()
	}
	req, err := p.newRequest(ctx, http.MethodGet, path, "")
	if err != nil {
		return err
	}
	return p.send(req, out)
}

func (p *ProviderClient) post(ctx context.Context, path string, params url.Values, out any) error {
	req, err := p.newRequest(ctx, http.MethodPost, path, params.Encode())
	if err != nil {
		return err
	}
	return p.send(req, out)
}

func (p *ProviderClient) send(req *http.Request, out any) error {
	resp, err := p.base.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return p.mapAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode provider response", err)
	}
	return nil
}

// providerErrorBody is the provider's error envelope.
type providerErrorBody struct {
	Error struct {
		Type          string                     `json:"type"`
		Code          string                     `json:"code"`
		Message       string                     `json:"message"`
		DeclineCode   string                     `json:"decline_code"`
		PaymentIntent *types.RemotePaymentIntent `json:"payment_intent,omitempty"`
	} `json:"error"`
}

// mapAPIError translates a provider 4xx body into the AppError taxonomy.
// Card errors become the distinguishable payment-failure condition; missing
// resources become not-found codes so callers can react per item.
func (p *ProviderClient) mapAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))

	var parsed providerErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error.Type == "" {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("provider returned %d with unreadable error body", resp.StatusCode),
			nil,
		)
	}

	e := parsed.Error
	switch {
	case e.Type == "card_error":
		var intent types.PaymentIntent
		if e.PaymentIntent != nil {
			intent = e.PaymentIntent.Snapshot()
		}
		appErr := types.NewPaymentFailure(intent, "", "")
		appErr.Message = e.Message
		if e.DeclineCode != "" {
			appErr.Details["decline_code"] = e.DeclineCode
		}
		return appErr

	case e.Code == "resource_missing":
		switch {
		case strings.Contains(resp.Request.URL.Path, "/payment_intents/"):
			return types.NewAppError(types.ErrCodeNotFoundPayment, e.Message, nil)
		case strings.Contains(resp.Request.URL.Path, "/subscription_items/"):
			return types.NewAppError(types.ErrCodeNotFoundItem, e.Message, nil)
		default:
			return types.NewAppError(types.ErrCodeNotFoundSubscription, e.Message, nil)
		}

	case e.Type == "invalid_request_error":
		return types.NewAppError(types.ErrCodeValidationInvalidField, e.Message, nil)

	default:
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("provider error (%s): %s", e.Type, e.Message),
			nil,
		)
	}
}
