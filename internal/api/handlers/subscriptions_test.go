package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"paysync/internal/billing"
	"paysync/internal/core"
	"paysync/internal/types"
)

type fakeOwnerStore struct {
	owners map[string]*types.Owner
	linked map[string]string
}

func (s *fakeOwnerStore) GetByID(_ context.Context, ownerID string) (*types.Owner, error) {
	owner, ok := s.owners[ownerID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOwner, "owner not found", nil)
	}
	return owner, nil
}

func (s *fakeOwnerStore) SetProviderCustomerID(_ context.Context, ownerID, customerID string) error {
	if s.linked == nil {
		s.linked = map[string]string{}
	}
	s.linked[ownerID] = customerID
	return nil
}

type fakeSubStore struct {
	subs    map[string]*types.Subscription
	created []*types.Subscription
	saved   []*types.Subscription
	items   []*types.SubscriptionItem
	removed []string
}

func subKey(ownerID, name string) string { return ownerID + "/" + name }

func (s *fakeSubStore) GetByID(_ context.Context, subID string) (*types.Subscription, error) {
	for _, sub := range s.subs {
		if sub.ID == subID {
			return sub, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

func (s *fakeSubStore) GetByOwnerAndName(_ context.Context, ownerID, name string) (*types.Subscription, error) {
	sub, ok := s.subs[subKey(ownerID, name)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return sub, nil
}

func (s *fakeSubStore) Create(_ context.Context, sub *types.Subscription) error {
	if s.subs == nil {
		s.subs = map[string]*types.Subscription{}
	}
	s.subs[subKey(sub.OwnerID, sub.Name)] = sub
	s.created = append(s.created, sub)
	return nil
}

func (s *fakeSubStore) Save(_ context.Context, sub *types.Subscription) error {
	s.saved = append(s.saved, sub)
	return nil
}

func (s *fakeSubStore) AddItem(_ context.Context, _ string, item *types.SubscriptionItem) error {
	if item.ID == "" {
		return fmt.Errorf("item insert without id")
	}
	s.items = append(s.items, item)
	return nil
}

func (s *fakeSubStore) RemoveItem(_ context.Context, _, providerItemID string) error {
	s.removed = append(s.removed, providerItemID)
	return nil
}

func (s *fakeSubStore) ReplaceItems(_ context.Context, _ string, items []types.SubscriptionItem) error {
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("item insert without id")
		}
	}
	return nil
}

// fakeProviderAPI satisfies both the subscription and customer provider
// capabilities the handlers exercise.
type fakeProviderAPI struct {
	createResp  *types.RemoteSubscription
	createErr   error
	pauseResp   *types.RemoteSubscription
	addItemResp *types.RemoteItem

	createCalls  int
	cancelCalls  int
	pauseCalls   int
	unpauseCalls int
}

func (a *fakeProviderAPI) EnsureCustomer(_ context.Context, owner *types.Owner) (string, error) {
	if owner.HasProviderCustomer() {
		return *owner.ProviderCustomerID, nil
	}
	return "cus_new", nil
}

func (a *fakeProviderAPI) Create(_ context.Context, _ billing.CreateSubscriptionParams) (*types.RemoteSubscription, error) {
	a.createCalls++
	if a.createErr != nil {
		return nil, a.createErr
	}
	return a.createResp, nil
}

func (a *fakeProviderAPI) Retrieve(_ context.Context, providerSubID string) (*types.RemoteSubscription, error) {
	return &types.RemoteSubscription{ID: providerSubID, Status: "active"}, nil
}

func (a *fakeProviderAPI) Cancel(_ context.Context, providerSubID string) (*types.RemoteSubscription, error) {
	a.cancelCalls++
	return &types.RemoteSubscription{ID: providerSubID, Status: "canceled"}, nil
}

func (a *fakeProviderAPI) AddItem(_ context.Context, _, priceID string, quantity *int64) (*types.RemoteItem, error) {
	if a.addItemResp != nil {
		return a.addItemResp, nil
	}
	return &types.RemoteItem{
		ID:       "si_new",
		Price:    types.RemotePrice{ID: priceID, ProductID: "prod_extra"},
		Quantity: quantity,
	}, nil
}

func (a *fakeProviderAPI) RemoveItem(_ context.Context, _ string) error { return nil }

func (a *fakeProviderAPI) Pause(_ context.Context, providerSubID string, behavior types.PauseBehavior, resumesAt *time.Time) (*types.RemoteSubscription, error) {
	a.pauseCalls++
	if a.pauseResp != nil {
		return a.pauseResp, nil
	}
	resp := &types.RemoteSubscription{
		ID:              providerSubID,
		Status:          "active",
		PauseCollection: &types.RemotePauseCollection{Behavior: string(behavior)},
	}
	if resumesAt != nil {
		resp.PauseCollection.ResumesAt = resumesAt.Unix()
	}
	return resp, nil
}

func (a *fakeProviderAPI) Unpause(_ context.Context, providerSubID string) (*types.RemoteSubscription, error) {
	a.unpauseCalls++
	return &types.RemoteSubscription{ID: providerSubID, Status: "active"}, nil
}

type fakeNotifier struct {
	calls []notifyCall
	err   error
}

type notifyCall struct {
	ownerID string
	name    string
	intent  types.PaymentIntent
}

func (n *fakeNotifier) NotifyActionRequired(_ context.Context, owner *types.Owner, name string, intent types.PaymentIntent) error {
	n.calls = append(n.calls, notifyCall{ownerID: owner.ID, name: name, intent: intent})
	return n.err
}

type subsEnv struct {
	router   *chi.Mux
	owners   *fakeOwnerStore
	store    *fakeSubStore
	api      *fakeProviderAPI
	notifier *fakeNotifier
}

const testOwnerID = "own_1"

func newSubsEnv(t *testing.T) *subsEnv {
	t.Helper()

	customerID := "cus_1"
	env := &subsEnv{
		owners: &fakeOwnerStore{owners: map[string]*types.Owner{
			testOwnerID: {
				ID:                 testOwnerID,
				ProviderCustomerID: &customerID,
				BillingEmail:       "billing@example.com",
			},
		}},
		store:    &fakeSubStore{subs: map[string]*types.Subscription{}},
		api:      &fakeProviderAPI{},
		notifier: &fakeNotifier{},
	}

	subscriber := billing.NewSubscriber(env.owners, env.store, env.api, env.api, testLogger())
	pauser := billing.NewPauseController(env.store, env.api, testLogger())
	h := NewSubscriptionsHandler(
		env.owners, env.store, subscriber, pauser, env.notifier,
		core.NewValidator(testLogger()), stubClock{now: testNow}, testLogger(),
	)

	env.router = chi.NewRouter()
	env.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := types.WithActor(r.Context(), types.Actor{
				ID:     testOwnerID,
				Type:   types.ActorTypeAPIKey,
				Source: "test-key",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	h.RegisterRoutes(env.router)
	return env
}

func (e *subsEnv) seedSubscription(name string, status types.SubscriptionStatus) *types.Subscription {
	sub := &types.Subscription{
		ID:                     "sub_local_" + name,
		OwnerID:                testOwnerID,
		Name:                   name,
		ProviderSubscriptionID: "sub_remote_" + name,
		Status:                 status,
		PriceID:                "price_basic",
		Items: []types.SubscriptionItem{{
			ID:             "item_1",
			ProviderItemID: "si_1",
			PriceID:        "price_basic",
			ProductID:      "prod_basic",
		}},
	}
	e.store.subs[subKey(testOwnerID, name)] = sub
	return sub
}

func (e *subsEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func activeRemoteSub() *types.RemoteSubscription {
	return &types.RemoteSubscription{
		ID:     "sub_remote_1",
		Status: "active",
		Items: types.RemoteItemList{Data: []types.RemoteItem{{
			ID:    "si_1",
			Price: types.RemotePrice{ID: "price_basic", ProductID: "prod_basic"},
		}}},
	}
}

func TestSubscriptionsCreate_Success(t *testing.T) {
	env := newSubsEnv(t)
	env.api.createResp = activeRemoteSub()

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions",
		`{"name":"workspace","price_id":"price_basic"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %q)", rec.Code, rec.Body.String())
	}
	if len(env.store.created) != 1 {
		t.Fatalf("expected 1 persisted subscription, got %d", len(env.store.created))
	}
	sub := env.store.created[0]
	if sub.Status != types.SubStatusActive {
		t.Errorf("expected active status, got %q", sub.Status)
	}
	if sub.ProviderSubscriptionID != "sub_remote_1" {
		t.Errorf("expected provider id sub_remote_1, got %q", sub.ProviderSubscriptionID)
	}
	if len(env.notifier.calls) != 0 {
		t.Error("no confirmation should be enqueued for a settled creation")
	}
}

func TestSubscriptionsCreate_ActionRequiredEnqueuesConfirmation(t *testing.T) {
	env := newSubsEnv(t)
	remote := activeRemoteSub()
	remote.Status = "incomplete"
	remote.LatestInvoice = &types.RemoteInvoice{
		ID: "in_1",
		PaymentIntent: &types.RemotePaymentIntent{
			ID:           "pi_1",
			Status:       "requires_action",
			ClientSecret: "pi_1_secret",
			Amount:       2900,
			Currency:     "usd",
		},
	}
	env.api.createResp = remote

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions",
		`{"name":"workspace","price_id":"price_basic"}`)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d (body %q)", rec.Code, rec.Body.String())
	}

	var resp core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodePaymentActionRequired) {
		t.Fatalf("expected action-required code, got %q", resp.Error.Code)
	}
	if resp.Error.Details["payment_intent_id"] != "pi_1" {
		t.Errorf("expected intent id in details, got %v", resp.Error.Details["payment_intent_id"])
	}
	if resp.Error.Details["client_secret"] != "pi_1_secret" {
		t.Errorf("expected client secret in details, got %v", resp.Error.Details["client_secret"])
	}

	// The incomplete subscription is still persisted.
	if len(env.store.created) != 1 {
		t.Fatalf("expected the incomplete subscription to be persisted, got %d", len(env.store.created))
	}
	if len(env.notifier.calls) != 1 {
		t.Fatalf("expected 1 confirmation notification, got %d", len(env.notifier.calls))
	}
	call := env.notifier.calls[0]
	if call.ownerID != testOwnerID || call.name != "workspace" {
		t.Errorf("unexpected notification target: %+v", call)
	}
	if call.intent.ID != "pi_1" || call.intent.Amount != 2900 {
		t.Errorf("unexpected notification intent: %+v", call.intent)
	}
}

func TestSubscriptionsCreate_NotifierFailureStillReturns402(t *testing.T) {
	env := newSubsEnv(t)
	remote := activeRemoteSub()
	remote.Status = "incomplete"
	remote.LatestInvoice = &types.RemoteInvoice{
		PaymentIntent: &types.RemotePaymentIntent{ID: "pi_1", Status: "requires_action"},
	}
	env.api.createResp = remote
	env.notifier.err = fmt.Errorf("queue unavailable")

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions",
		`{"name":"workspace","price_id":"price_basic"}`)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 despite notifier failure, got %d", rec.Code)
	}
}

func TestSubscriptionsCreate_ValidationFailure(t *testing.T) {
	env := newSubsEnv(t)

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions", `{"name":"workspace"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing price_id, got %d", rec.Code)
	}
	if env.api.createCalls != 0 {
		t.Error("provider should not be called for an invalid request")
	}
}

func TestSubscriptionsCreate_SlotTaken(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions",
		`{"name":"workspace","price_id":"price_basic"}`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a taken slot, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(types.ErrCodeSubscriptionSlotTaken) {
		t.Errorf("expected slot-taken code, got %q", code)
	}
}

func TestSubscriptions_ForeignOwnerReadsAsNotFound(t *testing.T) {
	env := newSubsEnv(t)

	rec := env.do(http.MethodGet, "/owners/own_2/subscriptions/workspace", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign owner, got %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != string(types.ErrCodeNotFoundOwner) {
		t.Errorf("expected owner not-found code, got %q", code)
	}
}

func TestSubscriptionsGet_ReturnsSubscription(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodGet, "/owners/own_1/subscriptions/workspace", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %q)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data types.Subscription `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Data.Name != "workspace" || resp.Data.Status != types.SubStatusActive {
		t.Errorf("unexpected subscription payload: %+v", resp.Data)
	}
}

func TestSubscriptionsCancel(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodDelete, "/owners/own_1/subscriptions/workspace", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %q)", rec.Code, rec.Body.String())
	}
	if env.api.cancelCalls != 1 {
		t.Fatalf("expected 1 provider cancel call, got %d", env.api.cancelCalls)
	}
	if len(env.store.saved) != 1 || env.store.saved[0].Status != types.SubStatusCanceled {
		t.Error("expected the local projection marked canceled")
	}
}

func TestSubscriptionsCancel_AlreadyCanceledIsIdempotent(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusCanceled)

	rec := env.do(http.MethodDelete, "/owners/own_1/subscriptions/workspace", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a repeat cancel, got %d", rec.Code)
	}
	if env.api.cancelCalls != 0 {
		t.Error("provider should not be called for an already canceled subscription")
	}
}

func TestSubscriptionsPause(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions/workspace/pause",
		`{"behavior":"void"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %q)", rec.Code, rec.Body.String())
	}
	if env.api.pauseCalls != 1 {
		t.Fatalf("expected 1 provider pause call, got %d", env.api.pauseCalls)
	}
	sub := env.store.subs[subKey(testOwnerID, "workspace")]
	if sub.Pause == nil || sub.Pause.Behavior != types.PauseVoid {
		t.Errorf("expected pause state mirrored locally, got %+v", sub.Pause)
	}
}

func TestSubscriptionsPause_UnknownBehavior(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions/workspace/pause",
		`{"behavior":"hibernate"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown behavior, got %d", rec.Code)
	}
	if env.api.pauseCalls != 0 {
		t.Error("provider should not be called for an invalid behavior")
	}
}

func TestSubscriptionsResume_NotPaused(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions/workspace/resume", "")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 resuming an unpaused subscription, got %d", rec.Code)
	}
}

func TestSubscriptionsAddItem(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions/workspace/items",
		`{"price_id":"price_addon","quantity":3}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body %q)", rec.Code, rec.Body.String())
	}
	if len(env.store.items) != 1 {
		t.Fatalf("expected 1 persisted item, got %d", len(env.store.items))
	}
	item := env.store.items[0]
	if item.PriceID != "price_addon" || item.Quantity == nil || *item.Quantity != 3 {
		t.Errorf("unexpected persisted item: %+v", item)
	}
}

func TestSubscriptionsAddItem_DuplicatePrice(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodPost, "/owners/own_1/subscriptions/workspace/items",
		`{"price_id":"price_basic"}`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate price, got %d", rec.Code)
	}
}

func TestSubscriptionsRemoveItem(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodDelete, "/owners/own_1/subscriptions/workspace/items/si_1", "")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (body %q)", rec.Code, rec.Body.String())
	}
	if len(env.store.removed) != 1 || env.store.removed[0] != "si_1" {
		t.Errorf("expected si_1 removed locally, got %v", env.store.removed)
	}
}

func TestSubscriptionsRemoveItem_UnknownItem(t *testing.T) {
	env := newSubsEnv(t)
	env.seedSubscription("workspace", types.SubStatusActive)

	rec := env.do(http.MethodDelete, "/owners/own_1/subscriptions/workspace/items/si_missing", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown item, got %d", rec.Code)
	}
}
