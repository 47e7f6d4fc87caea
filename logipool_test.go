/*
Copyright 2024 Logipool Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logipool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/logipool/logipool/database"
	"github.com/logipool/logipool/database/mocks"
	"github.com/logipool/logipool/internal/apierror"
	"github.com/logipool/logipool/model"
)

var testStart = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	ready []PoolReadyEvent
	full  []BatchFullEvent
	err   error
}

func (r *recordingNotifier) OnPoolReady(_ context.Context, e PoolReadyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = append(r.ready, e)
	return r.err
}

func (r *recordingNotifier) OnBatchAwaitingProvider(_ context.Context, e BatchFullEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.full = append(r.full, e)
	return r.err
}

func (r *recordingNotifier) readyEvents() []PoolReadyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PoolReadyEvent(nil), r.ready...)
}

type testEngine struct {
	*Logipool
	store    *database.MemoryDatasource
	notifier *recordingNotifier
	clock    *testClock
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	registry, err := model.NewCategoryRegistry(model.DefaultCategoryRules())
	require.NoError(t, err)

	store := database.NewMemoryDataSource()
	notifier := &recordingNotifier{}
	clock := &testClock{now: testStart}
	opts = append([]Option{WithNotifier(notifier), WithClock(clock.Now)}, opts...)

	l, err := New(store, registry, model.DefaultCapacityPolicy(), opts...)
	require.NoError(t, err)
	return &testEngine{Logipool: l, store: store, notifier: notifier, clock: clock}
}

func kg(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func (e *testEngine) allocate(t *testing.T, itemType, region string, qty int64, contributor string) *AllocationResult {
	t.Helper()
	res, err := e.Allocate(context.Background(), AllocateRequest{
		ItemType:      itemType,
		Region:        region,
		Quantity:      kg(qty),
		ContributorID: contributor,
	})
	require.NoError(t, err)
	return res
}

func (e *testEngine) pool(t *testing.T, id string) *model.Pool {
	t.Helper()
	p, err := e.GetPool(context.Background(), id)
	require.NoError(t, err)
	return p
}

func assertPoolBalanced(t *testing.T, p *model.Pool) {
	t.Helper()
	assert.True(t, p.AttributedTotal().Equal(p.AccumulatedQuantity),
		"pool %s: attributed %s != accumulated %s", p.PoolID, p.AttributedTotal(), p.AccumulatedQuantity)
}

func TestAllocate_SameCategoryMerge(t *testing.T) {
	e := newTestEngine(t)

	first := e.allocate(t, "WHEAT", "V1", 2000, "f1")
	assert.False(t, first.BecameReady)
	second := e.allocate(t, "rice", "V1", 500, "f2")
	assert.True(t, second.BecameReady)
	assert.Equal(t, first.PoolID, second.PoolID)

	p := e.pool(t, first.PoolID)
	assert.Equal(t, model.CategoryGrain, p.Category)
	assert.ElementsMatch(t, []string{"WHEAT", "RICE"}, p.ItemTypes)
	assert.True(t, p.AccumulatedQuantity.Equal(kg(2500)))
	assert.Equal(t, model.PoolStatusReady, p.Status)
	assert.Equal(t, model.ReadyReasonThreshold, p.ReadyReason)
	assert.Equal(t, model.CapacityClassLarge, p.CapacityClass)
	assertPoolBalanced(t, p)

	e.Wait()
	events := e.notifier.readyEvents()
	require.Len(t, events, 1)
	assert.Equal(t, p.PoolID, events[0].PoolID)
	assert.True(t, events[0].AccumulatedQuantity.Equal(kg(2500)))
	require.Len(t, e.notifier.full, 1)
	assert.Equal(t, []string{"f1", "f2"}, e.notifier.full[0].Contributors)
}

func TestAllocate_OverflowSplit(t *testing.T) {
	e := newTestEngine(t)

	first := e.allocate(t, "RICE", "V2", 1500, "f1")
	second := e.allocate(t, "WHEAT", "V2", 1200, "f2")

	assert.True(t, second.BecameReady)
	require.Len(t, second.Allocations, 2)
	assert.Equal(t, first.PoolID, second.Allocations[0].PoolID)
	assert.True(t, second.Allocations[0].Amount.Equal(kg(1000)))
	assert.True(t, second.Allocations[1].Amount.Equal(kg(200)))
	assert.Equal(t, second.Allocations[1].PoolID, second.PoolID)
	assert.NotEqual(t, first.PoolID, second.PoolID)

	p1 := e.pool(t, first.PoolID)
	assert.Equal(t, model.PoolStatusReady, p1.Status)
	assert.True(t, p1.AccumulatedQuantity.Equal(kg(2500)))
	totals := p1.ContributorTotals()
	assert.True(t, totals["f1"].Equal(kg(1500)))
	assert.True(t, totals["f2"].Equal(kg(1000)))
	assertPoolBalanced(t, p1)

	p2 := e.pool(t, second.PoolID)
	assert.Equal(t, model.PoolStatusOpen, p2.Status)
	assert.True(t, p2.AccumulatedQuantity.Equal(kg(200)))
	assert.Len(t, p2.ContributorTotals(), 1)
	assert.True(t, p2.ContributorTotals()["f2"].Equal(kg(200)))
	assertPoolBalanced(t, p2)

	attributed, err := e.store.GetAttributedQuantity(context.Background(), second.ContributionID)
	require.NoError(t, err)
	assert.True(t, attributed.Equal(kg(1200)), "a split contribution is attributed in full")
}

func TestAllocate_UnknownItemType(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Allocate(ctx, AllocateRequest{
		ItemType:       "UNKNOWNCROP",
		Region:         "V1",
		Quantity:       kg(100),
		ContributorID:  "f1",
		ContributionID: "ctb_unknown",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnknownItemType))
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))

	_, err = e.store.GetContribution(ctx, "ctb_unknown")
	assert.True(t, apierror.IsNotFound(err))
	for _, category := range []model.Category{model.CategoryGrain, model.CategoryVegetable, model.CategoryLeafy, model.CategoryFruit} {
		_, err = e.store.GetOpenPool(ctx, category, "V1")
		assert.True(t, apierror.IsNotFound(err))
	}
}

func TestAllocate_RejectsInvalidRequests(t *testing.T) {
	e := newTestEngine(t)

	cases := []struct {
		name string
		req  AllocateRequest
		want error
	}{
		{"zero quantity", AllocateRequest{ItemType: "WHEAT", Region: "V1", Quantity: decimal.Zero, ContributorID: "f1"}, ErrNonPositiveQuantity},
		{"negative quantity", AllocateRequest{ItemType: "WHEAT", Region: "V1", Quantity: kg(-5), ContributorID: "f1"}, ErrNonPositiveQuantity},
		{"missing region", AllocateRequest{ItemType: "WHEAT", Region: "  ", Quantity: kg(5), ContributorID: "f1"}, ErrMissingRegion},
		{"missing contributor", AllocateRequest{ItemType: "WHEAT", Region: "V1", Quantity: kg(5)}, ErrMissingContributor},
		{"more than three decimals", AllocateRequest{ItemType: "WHEAT", Region: "V1", Quantity: decimal.RequireFromString("12.3456"), ContributorID: "f1"}, ErrQuantityPrecision},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Allocate(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
		})
	}

	_, err := e.store.GetOpenPool(context.Background(), model.CategoryGrain, "V1")
	assert.True(t, apierror.IsNotFound(err))
}

func TestAllocate_CriticalContributionReleasesEarly(t *testing.T) {
	e := newTestEngine(t)

	first := e.allocate(t, "SPINACH", "V3", 800, "f1")
	assert.False(t, first.BecameReady)

	// 11 of 12 hours elapsed: the first lot is past the critical threshold.
	e.clock.Advance(11 * time.Hour)
	second := e.allocate(t, "METHI", "V3", 100, "f2")
	assert.True(t, second.BecameReady)
	assert.Equal(t, first.PoolID, second.PoolID)

	p := e.pool(t, first.PoolID)
	assert.Equal(t, model.PoolStatusReady, p.Status)
	assert.Equal(t, model.ReadyReasonCritical, p.ReadyReason)
	assert.Equal(t, model.CapacityClassRegular, p.CapacityClass)
	assert.True(t, p.CapacityCeiling.Equal(kg(1000)))
	assert.True(t, p.AccumulatedQuantity.Equal(kg(900)))
}

func TestAllocate_CeilingShrinksBelowCommitted(t *testing.T) {
	e := newTestEngine(t)

	first := e.allocate(t, "LETTUCE", "V4", 1500, "f1")
	e.clock.Advance(11 * time.Hour)
	second := e.allocate(t, "SPINACH", "V4", 200, "f2")

	assert.True(t, second.BecameReady)
	require.Len(t, second.Allocations, 1)
	assert.NotEqual(t, first.PoolID, second.Allocations[0].PoolID)

	released := e.pool(t, first.PoolID)
	assert.Equal(t, model.PoolStatusReady, released.Status)
	assert.Equal(t, model.ReadyReasonThreshold, released.ReadyReason)
	assert.Equal(t, model.CapacityClassRegular, released.CapacityClass)
	assert.True(t, released.AccumulatedQuantity.Equal(kg(1500)), "committed volume is kept when the ceiling shrinks")

	next := e.pool(t, second.PoolID)
	assert.Equal(t, model.PoolStatusOpen, next.Status)
	assert.True(t, next.AccumulatedQuantity.Equal(kg(200)))
}

func TestAllocate_RetryIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	req := AllocateRequest{ItemType: "WHEAT", Region: "V5", Quantity: kg(1200), ContributorID: "f1", ContributionID: "ctb_retry"}

	first, err := e.Allocate(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Allocations, 1)

	again, err := e.Allocate(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, again.Allocations)
	assert.Equal(t, first.PoolID, again.PoolID)

	p := e.pool(t, first.PoolID)
	assert.True(t, p.AccumulatedQuantity.Equal(kg(1200)))

	req.Quantity = kg(300)
	_, err = e.Allocate(ctx, req)
	assert.True(t, apierror.IsConflict(err), "reusing an id for a different lot is rejected")
}

func TestAllocate_AcceptsGramPrecision(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Allocate(ctx, AllocateRequest{ItemType: "WHEAT", Region: "V1", Quantity: decimal.RequireFromString("12.5000"), ContributorID: "f1"})
	require.NoError(t, err)
	res2, err := e.Allocate(ctx, AllocateRequest{ItemType: "WHEAT", Region: "V1", Quantity: decimal.RequireFromString("0.125"), ContributorID: "f2"})
	require.NoError(t, err)
	assert.Equal(t, res.PoolID, res2.PoolID)

	p := e.pool(t, res.PoolID)
	assert.True(t, p.AccumulatedQuantity.Equal(decimal.RequireFromString("12.625")))
}

// slowAttributionStore widens the window between reading a contribution's
// attributed total and writing the next attribution.
type slowAttributionStore struct {
	*database.MemoryDatasource
	delay time.Duration
}

func (s *slowAttributionStore) GetAttributedQuantity(ctx context.Context, contributionID string) (decimal.Decimal, error) {
	total, err := s.MemoryDatasource.GetAttributedQuantity(ctx, contributionID)
	time.Sleep(s.delay)
	return total, err
}

func TestAllocate_ConcurrentRetriesOfOneContributionCountOnce(t *testing.T) {
	registry, err := model.NewCategoryRegistry(model.DefaultCategoryRules())
	require.NoError(t, err)
	store := &slowAttributionStore{MemoryDatasource: database.NewMemoryDataSource(), delay: 20 * time.Millisecond}
	l, err := New(store, registry, model.DefaultCapacityPolicy(),
		WithNotifier(&recordingNotifier{}), WithClock(func() time.Time { return testStart }))
	require.NoError(t, err)

	ctx := context.Background()
	req := AllocateRequest{ItemType: "WHEAT", Region: "V7", Quantity: kg(100), ContributorID: "f1", ContributionID: "ctb_dup"}

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Allocate(ctx, req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	attributed, err := store.GetAttributedQuantity(ctx, "ctb_dup")
	require.NoError(t, err)
	assert.True(t, attributed.Equal(kg(100)), "attributed %s", attributed)

	open, err := store.GetOpenPool(ctx, model.CategoryGrain, "V7")
	require.NoError(t, err)
	assert.True(t, open.AccumulatedQuantity.Equal(kg(100)), "accumulated %s", open.AccumulatedQuantity)
	assertPoolBalanced(t, open)
}

func TestAllocate_ConcurrentSubmissionsKeepInvariants(t *testing.T) {
	e := newTestEngine(t, WithMaxConflicts(1000))
	ctx := context.Background()

	const workers = 50
	results := make(chan *AllocationResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Allocate(ctx, AllocateRequest{
				ItemType:      "MAIZE",
				Region:        "V9",
				Quantity:      kg(130),
				ContributorID: fmt.Sprintf("f%d", i),
			})
			if assert.NoError(t, err) {
				results <- res
			}
		}(i)
	}
	wg.Wait()
	close(results)

	pools := map[string]bool{}
	for res := range results {
		attributed, err := e.store.GetAttributedQuantity(ctx, res.ContributionID)
		require.NoError(t, err)
		assert.True(t, attributed.Equal(kg(130)))
		for _, a := range res.Allocations {
			pools[a.PoolID] = true
		}
	}

	total := decimal.Zero
	open := 0
	for id := range pools {
		p := e.pool(t, id)
		assertPoolBalanced(t, p)
		assert.True(t, p.AccumulatedQuantity.LessThanOrEqual(kg(2500)))
		if p.Status == model.PoolStatusOpen {
			open++
		}
		total = total.Add(p.AccumulatedQuantity)
	}
	assert.True(t, total.Equal(kg(130*workers)))
	assert.LessOrEqual(t, open, 1)
}

func TestAllocate_ExhaustedConflictsIsTransient(t *testing.T) {
	ds := &mocks.MockDataSource{}
	registry, err := model.NewCategoryRegistry(model.DefaultCategoryRules())
	require.NoError(t, err)
	l, err := New(ds, registry, model.DefaultCapacityPolicy(), WithMaxConflicts(3), WithClock(func() time.Time { return testStart }))
	require.NoError(t, err)

	stored := &model.Contribution{ContributionID: "ctb_1", ContributorID: "f1", ItemType: "WHEAT", Category: model.CategoryGrain,
		Quantity: kg(100), Region: "V1", CreatedAt: testStart, SpoilsAt: testStart.Add(120 * time.Hour)}
	open := &model.Pool{PoolID: "pool_1", Category: model.CategoryGrain, Region: "V1", Status: model.PoolStatusOpen,
		AccumulatedQuantity: kg(2000), CapacityCeiling: kg(2500), CapacityClass: model.CapacityClassLarge,
		CreatedAt: testStart, Deadline: testStart.Add(120 * time.Hour)}

	ds.On("CreateContribution", mock.Anything, mock.Anything).Return(stored, true, nil)
	ds.On("GetAttributedQuantity", mock.Anything, "ctb_1").Return(decimal.Zero, nil)
	ds.On("GetOpenPool", mock.Anything, model.CategoryGrain, "V1").Return(open, nil)
	ds.On("GetPoolContributions", mock.Anything, "pool_1").Return([]model.Contribution{}, nil)
	ds.On("AddToPool", mock.Anything, "pool_1", "WHEAT", mock.Anything, mock.Anything).
		Return(nil, apierror.NewAPIError(apierror.ErrConflict, "pool with ID 'pool_1' has no room", nil))

	_, err = l.Allocate(context.Background(), AllocateRequest{ItemType: "WHEAT", Region: "V1", Quantity: kg(100), ContributorID: "f1", ContributionID: "ctb_1"})
	require.Error(t, err)
	assert.Equal(t, apierror.ErrInternalServer, apierror.CodeOf(err))
	ds.AssertNumberOfCalls(t, "AddToPool", 3)
	ds.AssertNotCalled(t, "MarkPoolReady", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAllocate_NotificationFailureDoesNotFailTransition(t *testing.T) {
	e := newTestEngine(t)
	e.notifier.err = errors.New("sms gateway down")

	res := e.allocate(t, "BANANA", "V6", 2500, "f1")
	assert.True(t, res.BecameReady)
	e.Wait()

	p := e.pool(t, res.PoolID)
	assert.Equal(t, model.PoolStatusReady, p.Status)
	assert.Len(t, e.notifier.readyEvents(), 1)
}

func TestAccept_ConcurrentCallsHaveOneWinner(t *testing.T) {
	e := newTestEngine(t)
	res := e.allocate(t, "ONION", "V7", 2500, "f1")
	require.True(t, res.BecameReady)

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	losses := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			provider := fmt.Sprintf("driver_%d", i)
			_, err := e.Accept(context.Background(), res.PoolID, provider)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, provider)
				return
			}
			var apiErr apierror.APIError
			if assert.True(t, errors.As(err, &apiErr)) {
				assert.Equal(t, apierror.ErrConflict, apiErr.Code)
				assert.Equal(t, "pool is no longer available", apiErr.Message)
			}
			losses++
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, callers-1, losses)
	p := e.pool(t, res.PoolID)
	assert.Equal(t, model.PoolStatusAssigned, p.Status)
	assert.Equal(t, winners[0], p.ProviderID)
}

func TestAccept_Errors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Accept(ctx, "pool_missing", "driver_1")
	assert.True(t, apierror.IsNotFound(err))

	res := e.allocate(t, "WHEAT", "V1", 100, "f1")
	_, err = e.Accept(ctx, res.PoolID, "driver_1")
	assert.True(t, apierror.IsConflict(err), "an OPEN pool cannot be accepted")

	_, err = e.Accept(ctx, res.PoolID, "")
	assert.ErrorIs(t, err, ErrMissingProvider)
}

func TestAcceptNext_SoonestDeadlineFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	grain := e.allocate(t, "WHEAT", "V8", 2500, "f1")
	leafy := e.allocate(t, "SPINACH", "V8", 2500, "f2")

	p, err := e.AcceptNext(ctx, "driver_1", "V8")
	require.NoError(t, err)
	assert.Equal(t, leafy.PoolID, p.PoolID)

	p, err = e.AcceptNext(ctx, "driver_2", "V8")
	require.NoError(t, err)
	assert.Equal(t, grain.PoolID, p.PoolID)

	_, err = e.AcceptNext(ctx, "driver_3", "V8")
	assert.True(t, apierror.IsNotFound(err))
}

func TestProviderAvailabilityFollowsAssignment(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	provider, err := e.RegisterProvider(ctx, &model.Provider{ProviderID: "driver_1", Name: "Ravi", Region: "V1"})
	require.NoError(t, err)
	assert.True(t, provider.Available)

	res := e.allocate(t, "RICE", "V1", 2500, "f1")
	e.Wait()
	events := e.notifier.readyEvents()
	require.Len(t, events, 1)
	require.Len(t, events[0].Providers, 1)
	assert.Equal(t, "driver_1", events[0].Providers[0].ProviderID)

	_, err = e.Accept(ctx, res.PoolID, "driver_1")
	require.NoError(t, err)
	provider, err = e.GetProvider(ctx, "driver_1")
	require.NoError(t, err)
	assert.False(t, provider.Available)

	_, err = e.Complete(ctx, res.PoolID, "driver_1")
	require.NoError(t, err)
	provider, err = e.GetProvider(ctx, "driver_1")
	require.NoError(t, err)
	assert.True(t, provider.Available)
}
