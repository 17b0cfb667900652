package activator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/hostingd/pkg/events"
	"github.com/cuemby/hostingd/pkg/hostingerrors"
	"github.com/cuemby/hostingd/pkg/messagebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxRetryInterval:               50 * time.Millisecond,
		ActivationRetryBackoffInterval: 5 * time.Millisecond,
	}
}

func TestActivate_SucceedsFirstAttempt(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	var calls int32
	req := Request{
		ID:      "App1",
		Version: "1.0",
		Work: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}

	err := m.ActivateApplication(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, m.Pending())
}

func TestActivate_RetriesUntilSuccess(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	var calls int32
	req := Request{
		ID:         "App2",
		Version:    "1.0",
		MaxFailure: 5,
		Work: func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n < 3 {
				return hostingerrors.New(hostingerrors.CodeTimeout, "not ready")
			}
			return nil
		},
	}

	err := m.ActivateApplication(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
}

func TestActivate_MaxFailureExceeded(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	req := Request{
		ID:         "App3",
		Version:    "1.0",
		MaxFailure: 2,
		Work: func(ctx context.Context) error {
			return hostingerrors.New(hostingerrors.CodeTimeout, "still down")
		},
	}

	err := m.ActivateApplication(context.Background(), req)
	require.Error(t, err)
	assert.True(t, hostingerrors.Is(err, hostingerrors.CodeTimeout))
}

// TestActivate_MaxFailureZeroExhaustsOnFirstFailure covers §8's boundary
// law: max_failure_count == 0 means a single failure exhausts retries,
// not "retry forever" (a zero value must not be mistaken for "no limit").
func TestActivate_MaxFailureZeroExhaustsOnFirstFailure(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	var calls int32
	req := Request{
		ID:         "App3b",
		Version:    "1.0",
		MaxFailure: 0,
		Work: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return hostingerrors.New(hostingerrors.CodeTimeout, "still down")
		},
	}

	err := m.ActivateApplication(context.Background(), req)
	require.Error(t, err)
	assert.True(t, hostingerrors.Is(err, hostingerrors.CodeTimeout))
	assert.Equal(t, int32(1), calls)
}

func TestActivate_SecondCallerWithoutEnsureLatestGetsInProgress(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	release := make(chan struct{})
	started := make(chan struct{})

	req := Request{
		ID:      "App4",
		Version: "1.0",
		Work: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, m.ActivateApplication(context.Background(), req))
	}()

	<-started
	err := m.ActivateApplication(context.Background(), req)
	require.Error(t, err)
	assert.True(t, hostingerrors.Is(err, hostingerrors.CodeHostingActivationInProgress))

	close(release)
	wg.Wait()
}

func TestActivate_EnsureLatestSupersedesInProgressOp(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	started := make(chan struct{})
	var firstCanceled int32

	first := Request{
		ID:           "App5",
		Version:      "1.0",
		EnsureLatest: false,
		Work: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			atomic.StoreInt32(&firstCanceled, 1)
			return ctx.Err()
		},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		firstErr = m.ActivateApplication(context.Background(), first)
	}()

	<-started

	second := Request{
		ID:           "App5",
		Version:      "1.0",
		EnsureLatest: true,
		Work: func(ctx context.Context) error {
			return nil
		},
	}
	err := m.ActivateApplication(context.Background(), second)
	require.NoError(t, err)

	wg.Wait()
	assert.Error(t, firstErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&firstCanceled))
}

func TestActivate_AlreadyCurrentShortCircuits(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	req := Request{
		ID:           "App6",
		Version:      "2.0",
		EnsureLatest: true,
		AlreadyCurrent: func() bool {
			return true
		},
		Work: func(ctx context.Context) error {
			t.Fatal("Work should not be called when already current")
			return nil
		},
	}

	err := m.ActivateApplication(context.Background(), req)
	require.NoError(t, err)
}

func TestActivate_OnlyIfUsedDropsWhenUnused(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	req := Request{
		ID:         "App7",
		Version:    "1.0",
		OnlyIfUsed: true,
		InUse: func() bool {
			return false
		},
		Work: func(ctx context.Context) error {
			t.Fatal("Work should not run when entity is not in use")
			return nil
		},
	}

	err := m.ActivateApplication(context.Background(), req)
	require.Error(t, err)
	assert.True(t, hostingerrors.Is(err, hostingerrors.CodeHostingActivationEntityNotInUse))
}

func TestActivate_EnsureLatestVersionMismatchSchedulesDeactivation(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	var deactivated int32
	req := Request{
		ID:           "App8",
		Version:      "2.0",
		EnsureLatest: true,
		InUse: func() bool {
			return false
		},
		Deactivate: func(ctx context.Context) {
			atomic.StoreInt32(&deactivated, 1)
		},
		Work: func(ctx context.Context) error {
			return hostingerrors.New(hostingerrors.CodeHostingApplicationVersionMismatch, "version moved on")
		},
	}

	err := m.ActivateApplication(context.Background(), req)
	require.Error(t, err)
	assert.True(t, hostingerrors.Is(err, hostingerrors.CodeHostingApplicationVersionMismatch))
	assert.Equal(t, int32(1), atomic.LoadInt32(&deactivated))
}

func TestActivate_InvalidStateNotRetried(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	var calls int32
	req := Request{
		ID:      "App9",
		Version: "1.0",
		Work: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return hostingerrors.New(hostingerrors.CodeInvalidState, "not ready for this call")
		},
	}

	err := m.ActivateApplication(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestClose_DrainsPendingAndRejectsNew(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	started := make(chan struct{})
	req := Request{
		ID:      "App10",
		Version: "1.0",
		Work: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.ActivateApplication(context.Background(), req)
	}()
	<-started

	m.Close()
	wg.Wait()
	assert.Empty(t, m.Pending())

	err := m.ActivateApplication(context.Background(), Request{
		ID: "App11", Version: "1.0",
		Work: func(ctx context.Context) error { return nil },
	})
	require.Error(t, err)
	assert.True(t, hostingerrors.Is(err, hostingerrors.CodeObjectClosed))
}

func TestEnsureAfterUpgrade_RunsAllInParallel(t *testing.T) {
	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter())
	var calls int32
	reqs := make([]Request, 3)
	for i := range reqs {
		reqs[i] = Request{
			ID:      []string{"App12a", "App12b", "App12c"}[i],
			Version: "1.0",
			Work: func(ctx context.Context) error {
				atomic.AddInt32(&calls, 1)
				return nil
			},
		}
	}

	errs := m.EnsureAfterUpgrade(context.Background(), reqs)
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestIsIDFor(t *testing.T) {
	id := operationID("App1", "2.0")
	assert.True(t, IsIDFor(id, "App1"))
	assert.False(t, IsIDFor(id, "App2"))
}

func TestWithEventBroker_PublishesStartAndSuccess(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	m := NewManager(testConfig(), messagebus.NewInProcessHealthReporter()).WithEventBroker(broker)
	req := Request{
		ID:      "App1",
		Version: "1.0",
		Work: func(ctx context.Context) error {
			return nil
		},
	}

	require.NoError(t, m.ActivateApplication(context.Background(), req))

	var seen []events.Type
	for len(seen) < 2 {
		select {
		case ev := <-sub:
			seen = append(seen, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Contains(t, seen, events.TypeActivationStarted)
	assert.Contains(t, seen, events.TypeActivationSucceeded)
}
