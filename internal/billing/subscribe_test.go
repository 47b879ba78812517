package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/types"
)

type fakeOwnerStore struct {
	linked map[string]string
}

func (f *fakeOwnerStore) GetByID(ctx context.Context, ownerID string) (*types.Owner, error) {
	return &types.Owner{ID: ownerID, BillingEmail: "billing@example.com"}, nil
}

func (f *fakeOwnerStore) SetProviderCustomerID(ctx context.Context, ownerID, customerID string) error {
	if f.linked == nil {
		f.linked = map[string]string{}
	}
	f.linked[ownerID] = customerID
	return nil
}

type fakeCustomers struct {
	customerID string
	calls      int
}

func (f *fakeCustomers) EnsureCustomer(ctx context.Context, owner *types.Owner) (string, error) {
	f.calls++
	if owner.HasProviderCustomer() {
		return *owner.ProviderCustomerID, nil
	}
	return f.customerID, nil
}

func successfulCreateResp() *types.RemoteSubscription {
	return &types.RemoteSubscription{
		ID:         "sub_remote_new",
		CustomerID: "cus_new",
		Status:     "active",
		Items: types.RemoteItemList{Data: []types.RemoteItem{
			{ID: "si_1", Price: types.RemotePrice{ID: "price_basic", ProductID: "prod_1"}},
		}},
	}
}

func TestSubscriber_Create_Success(t *testing.T) {
	store := newFakeStore()
	owners := &fakeOwnerStore{}
	customers := &fakeCustomers{customerID: "cus_new"}
	api := &fakeAPI{createResp: successfulCreateResp()}
	s := NewSubscriber(owners, store, api, customers, nil)

	owner := &types.Owner{ID: "owner_1", BillingEmail: "billing@example.com"}
	sub, err := s.Create(context.Background(), NewSubscriptionBuilder(owner, "default", "price_basic"))
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub_remote_new", sub.ProviderSubscriptionID)
	assert.Equal(t, types.SubStatusActive, sub.Status)
	assert.Equal(t, "cus_new", owners.linked["owner_1"])
	require.Len(t, store.created, 1)
	require.Len(t, sub.Items, 1)
}

func TestSubscriber_Create_DuplicatePriceRejectedBeforeRemoteCall(t *testing.T) {
	api := &fakeAPI{createResp: successfulCreateResp()}
	s := NewSubscriber(&fakeOwnerStore{}, newFakeStore(), api, &fakeCustomers{customerID: "cus_new"}, nil)

	owner := &types.Owner{ID: "owner_1"}
	b := NewSubscriptionBuilder(owner, "default", "price_basic").
		AddItem("price_basic", nil)

	_, err := s.Create(context.Background(), b)
	require.Error(t, err)
	assertCode(t, err, types.ErrCodeDuplicatePrice)
	assert.Equal(t, int64(0), api.createCalls.Load(), "duplicate price must be rejected before any remote call")
}

func TestSubscriber_Create_SlotTaken(t *testing.T) {
	store := newFakeStore()
	store.byOwner["owner_1/default"] = &types.Subscription{
		ID:     "sub_existing",
		Status: types.SubStatusActive,
	}
	api := &fakeAPI{createResp: successfulCreateResp()}
	s := NewSubscriber(&fakeOwnerStore{}, store, api, &fakeCustomers{customerID: "cus_new"}, nil)

	_, err := s.Create(context.Background(), NewSubscriptionBuilder(&types.Owner{ID: "owner_1"}, "default", "price_basic"))
	require.Error(t, err)
	assertCode(t, err, types.ErrCodeSubscriptionSlotTaken)
	assert.Equal(t, int64(0), api.createCalls.Load())
}

func TestSubscriber_Create_CanceledSlotReusable(t *testing.T) {
	store := newFakeStore()
	store.byOwner["owner_1/default"] = &types.Subscription{
		ID:     "sub_old",
		Status: types.SubStatusCanceled,
	}
	api := &fakeAPI{createResp: successfulCreateResp()}
	s := NewSubscriber(&fakeOwnerStore{}, store, api, &fakeCustomers{customerID: "cus_new"}, nil)

	_, err := s.Create(context.Background(), NewSubscriptionBuilder(&types.Owner{ID: "owner_1"}, "default", "price_basic"))
	require.NoError(t, err)
}

func TestSubscriber_Create_PaymentActionRequired(t *testing.T) {
	resp := successfulCreateResp()
	resp.Status = "incomplete"
	resp.LatestInvoice = &types.RemoteInvoice{
		ID: "in_1",
		PaymentIntent: &types.RemotePaymentIntent{
			ID:           "pi_1",
			Status:       "requires_action",
			ClientSecret: "pi_1_secret_abc",
			Amount:       4900,
			Currency:     "usd",
		},
	}
	store := newFakeStore()
	s := NewSubscriber(&fakeOwnerStore{}, store, &fakeAPI{createResp: resp}, &fakeCustomers{customerID: "cus_new"}, nil)

	sub, err := s.Create(context.Background(), NewSubscriptionBuilder(&types.Owner{ID: "owner_1"}, "default", "price_basic"))
	require.Error(t, err)
	assertCode(t, err, types.ErrCodePaymentActionRequired)

	// The subscription is still persisted as incomplete; webhooks finalize it.
	require.NotNil(t, sub)
	assert.Equal(t, types.SubStatusIncomplete, sub.Status)
	require.Len(t, store.created, 1)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "pi_1", appErr.Details["payment_intent_id"])
	assert.Equal(t, "pi_1_secret_abc", appErr.Details["client_secret"])
	assert.Equal(t, "default", appErr.Details["subscription_name"])
}

func TestSubscriber_Create_CardDeclined(t *testing.T) {
	intent := types.PaymentIntent{ID: "pi_1", Status: types.IntentRequiresPaymentMethod, Amount: 4900, Currency: "usd"}
	store := newFakeStore()
	api := &fakeAPI{createErr: types.NewPaymentFailure(intent, "default", "price_basic")}
	s := NewSubscriber(&fakeOwnerStore{}, store, api, &fakeCustomers{customerID: "cus_new"}, nil)

	sub, err := s.Create(context.Background(), NewSubscriptionBuilder(&types.Owner{ID: "owner_1"}, "default", "price_basic"))
	require.Error(t, err)
	assertCode(t, err, types.ErrCodePaymentFailure)
	assert.Nil(t, sub)
	assert.Empty(t, store.created, "declined creation persists nothing")
}

func TestSubscriber_Create_ReusesExistingCustomer(t *testing.T) {
	customers := &fakeCustomers{customerID: "cus_should_not_be_used"}
	owners := &fakeOwnerStore{}
	s := NewSubscriber(owners, newFakeStore(), &fakeAPI{createResp: successfulCreateResp()}, customers, nil)

	existing := "cus_existing"
	owner := &types.Owner{ID: "owner_1", ProviderCustomerID: &existing}
	_, err := s.Create(context.Background(), NewSubscriptionBuilder(owner, "default", "price_basic"))
	require.NoError(t, err)
	assert.Empty(t, owners.linked, "already-linked owner is not re-linked")
}

func TestSubscriber_AddItem_DuplicatePriceLocalGuard(t *testing.T) {
	api := &fakeAPI{}
	s := NewSubscriber(&fakeOwnerStore{}, newFakeStore(), api, &fakeCustomers{}, nil)

	sub := activeSub()
	sub.Items = []types.SubscriptionItem{{ProviderItemID: "si_1", PriceID: "price_addon"}}

	_, err := s.AddItem(context.Background(), sub, "price_addon", nil)
	require.Error(t, err)
	assertCode(t, err, types.ErrCodeDuplicatePrice)
	assert.Equal(t, int64(0), api.addItemCalls.Load())

	// The primary price also counts.
	_, err = s.AddItem(context.Background(), sub, "price_basic", nil)
	require.Error(t, err)
	assertCode(t, err, types.ErrCodeDuplicatePrice)
}

func TestSubscriber_AddItem_Success(t *testing.T) {
	store := newFakeStore()
	s := NewSubscriber(&fakeOwnerStore{}, store, &fakeAPI{}, &fakeCustomers{}, nil)

	sub := activeSub()
	item, err := s.AddItem(context.Background(), sub, "price_addon", i64(2))
	require.NoError(t, err)
	assert.Equal(t, "price_addon", item.PriceID)
	assert.True(t, sub.HasPrice("price_addon"))
	require.Len(t, store.addedItem, 1)
}

func TestSubscriber_Cancel_Idempotent(t *testing.T) {
	store := newFakeStore()
	s := NewSubscriber(&fakeOwnerStore{}, store, &fakeAPI{}, &fakeCustomers{}, nil)

	sub := activeSub()
	require.NoError(t, s.Cancel(context.Background(), sub))
	assert.Equal(t, types.SubStatusCanceled, sub.Status)
	firstEnd := *sub.EndsAt

	time.Sleep(time.Millisecond)
	require.NoError(t, s.Cancel(context.Background(), sub))
	assert.True(t, sub.EndsAt.Equal(firstEnd))
	assert.Len(t, store.saved, 1)
}
