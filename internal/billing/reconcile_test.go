package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paysync/internal/types"
)

type fakeLister struct {
	pages [][]*types.Subscription
	calls int
}

func (f *fakeLister) ListNonTerminal(ctx context.Context, afterID string, limit int) ([]*types.Subscription, error) {
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

type fakePruner struct {
	pruned int64
	cutoff time.Time
}

func (f *fakePruner) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.pruned, nil
}

type fakeRepairer struct {
	mu       sync.Mutex
	synced   []string
	canceled []string
	syncErr  error
	drifted  map[string]bool
}

func (f *fakeRepairer) SyncFromRemote(ctx context.Context, remote *types.RemoteSubscription) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncErr != nil {
		return false, f.syncErr
	}
	f.synced = append(f.synced, remote.ID)
	return f.drifted[remote.ID], nil
}

func (f *fakeRepairer) CancelFromRemote(ctx context.Context, providerSubID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, providerSubID)
	return true, nil
}

type fakeReconcileMetrics struct {
	mu       sync.Mutex
	checked  int
	repaired int
	failed   int
}

func (f *fakeReconcileMetrics) RecordReconcileRun(ctx context.Context, checked, repaired, failed int, elapsed time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = checked
	f.repaired = repaired
	f.failed = failed
}

type retrieveAPI struct {
	fakeAPI
	mu   sync.Mutex
	errs map[string]error
}

func (f *retrieveAPI) Retrieve(ctx context.Context, providerSubID string) (*types.RemoteSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[providerSubID]; ok {
		return nil, err
	}
	return &types.RemoteSubscription{ID: providerSubID, Status: "active"}, nil
}

func subsPage(ids ...string) []*types.Subscription {
	page := make([]*types.Subscription, 0, len(ids))
	for _, id := range ids {
		page = append(page, &types.Subscription{
			ID:                     id,
			ProviderSubscriptionID: "remote_" + id,
			Status:                 types.SubStatusActive,
		})
	}
	return page
}

func TestReconciler_RunOnce_SyncsEverySubscription(t *testing.T) {
	lister := &fakeLister{pages: [][]*types.Subscription{subsPage("a", "b", "c")}}
	repair := &fakeRepairer{}
	r := NewReconciler(lister, &fakePruner{}, &retrieveAPI{}, repair, nil, ReconcilerConfig{BatchSize: 10}, nil)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.ElementsMatch(t, []string{"remote_a", "remote_b", "remote_c"}, repair.synced)
	assert.Empty(t, repair.canceled)
}

func TestReconciler_RunOnce_CancelsVanishedSubscription(t *testing.T) {
	lister := &fakeLister{pages: [][]*types.Subscription{subsPage("a", "b")}}
	api := &retrieveAPI{errs: map[string]error{
		"remote_b": types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription", nil),
	}}
	repair := &fakeRepairer{}
	r := NewReconciler(lister, &fakePruner{}, api, repair, nil, ReconcilerConfig{BatchSize: 10}, nil)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, []string{"remote_a"}, repair.synced)
	assert.Equal(t, []string{"remote_b"}, repair.canceled)
}

func TestReconciler_RunOnce_CountsDriftRepairs(t *testing.T) {
	lister := &fakeLister{pages: [][]*types.Subscription{subsPage("a", "b", "c", "d")}}
	api := &retrieveAPI{errs: map[string]error{
		"remote_d": types.NewAppError(types.ErrCodeNotFoundSubscription, "no such subscription", nil),
	}}
	repair := &fakeRepairer{drifted: map[string]bool{"remote_a": true, "remote_c": true}}
	metrics := &fakeReconcileMetrics{}
	r := NewReconciler(lister, &fakePruner{}, api, repair, metrics, ReconcilerConfig{BatchSize: 10}, nil)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.Equal(t, 4, metrics.checked)
	assert.Equal(t, 3, metrics.repaired, "two drift repairs plus one vanished cancel")
	assert.Equal(t, 0, metrics.failed)
}

func TestReconciler_RunOnce_UpstreamFailureDoesNotAbortPass(t *testing.T) {
	lister := &fakeLister{pages: [][]*types.Subscription{subsPage("a", "b", "c")}}
	api := &retrieveAPI{errs: map[string]error{
		"remote_b": types.NewAppError(types.ErrCodeUpstreamProvider, "provider unavailable", nil),
	}}
	repair := &fakeRepairer{}
	r := NewReconciler(lister, &fakePruner{}, api, repair, nil, ReconcilerConfig{BatchSize: 10}, nil)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.ElementsMatch(t, []string{"remote_a", "remote_c"}, repair.synced)
}

func TestReconciler_RunOnce_PrunesLedger(t *testing.T) {
	pruner := &fakePruner{pruned: 7}
	r := NewReconciler(&fakeLister{}, pruner, &retrieveAPI{}, &fakeRepairer{}, nil, ReconcilerConfig{}, nil)

	require.NoError(t, r.RunOnce(context.Background()))
	assert.False(t, pruner.cutoff.IsZero())
	assert.WithinDuration(t, time.Now().UTC().Add(-ledgerRetention), pruner.cutoff, time.Minute)
}

func TestReconciler_Run_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconciler(&fakeLister{}, &fakePruner{}, &retrieveAPI{}, &fakeRepairer{}, nil,
		ReconcilerConfig{Interval: time.Hour}, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop on cancel")
	}
}
