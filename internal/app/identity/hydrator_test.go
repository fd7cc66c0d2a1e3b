package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mzlad1/mirabeauty-sub001/errs"
	"github.com/mzlad1/mirabeauty-sub001/internal/clock"
	domain "github.com/mzlad1/mirabeauty-sub001/internal/domain/identity"
	"github.com/mzlad1/mirabeauty-sub001/internal/domain/identity/mocks"
)

type fixture struct {
	fake     *clock.Fake
	profiles *mocks.MockProfileStore
	hydrator *Hydrator
	emit     func(*domain.Record)
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	profiles := mocks.NewMockProfileStore(ctrl)

	f := &fixture{fake: clock.NewFake(time.Unix(1_700_000_000, 0)), profiles: profiles}
	provider.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(fn func(*domain.Record)) func() {
		f.emit = fn
		return func() {}
	})

	f.hydrator = NewHydrator(provider, profiles, cfg, WithClock(f.fake))
	require.NoError(t, f.hydrator.Start(context.Background()))
	t.Cleanup(f.hydrator.Close)
	return f
}

// retryThrough advances past n retry delays, waiting for each to be scheduled.
func (f *fixture) retryThrough(n int, delay time.Duration) {
	for i := 0; i < n; i++ {
		f.fake.BlockUntil(1)
		f.fake.Advance(delay)
	}
}

var alice = domain.Record{IdentityID: "uid-alice", DisplayName: "Alice", Email: "alice@example.com"}

func TestHydratesAfterProfileAppearsOnFifthAttempt(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	profile := &domain.Profile{IdentityID: alice.IdentityID, Role: "customer"}
	gomock.InOrder(
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, nil).Times(4),
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(profile, nil),
	)

	f.emit(&alice)
	f.retryThrough(4, DefaultRetryDelay)

	session, ok := f.hydrator.WaitForReady(context.Background())
	require.True(t, ok)
	require.Equal(t, alice, session.Identity)
	require.Equal(t, "customer", session.Profile.Role)
	require.True(t, f.hydrator.SignedIn())

	state := f.hydrator.State()
	require.Equal(t, domain.PhaseHydrated, state.Phase)
	require.Nil(t, state.Warning)
}

func TestSignsOutWithWarningWhenProfileNeverAppears(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, nil).Times(5)

	f.emit(&alice)
	f.retryThrough(4, DefaultRetryDelay)

	_, ok := f.hydrator.WaitForReady(context.Background())
	require.False(t, ok)

	state := f.hydrator.State()
	require.Equal(t, domain.PhaseSignedOutWithWarning, state.Phase)
	require.False(t, state.Authenticated())
	require.NotNil(t, state.Warning)
	require.Equal(t, alice.IdentityID, state.Warning.IdentityID)
	require.Equal(t, 5, state.Warning.Attempts)

	_, hasSession := f.hydrator.Session()
	require.False(t, hasSession)
}

func TestRetriesTransientLookupErrors(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, RetryDelay: time.Second})
	gomock.InOrder(
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, errors.New("deadline exceeded")),
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(&domain.Profile{IdentityID: alice.IdentityID}, nil),
	)

	f.emit(&alice)
	f.retryThrough(1, time.Second)

	_, ok := f.hydrator.WaitForReady(context.Background())
	require.True(t, ok)
}

func TestIgnoresProfileForAnotherIdentity(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 2, RetryDelay: time.Second})
	f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).
		Return(&domain.Profile{IdentityID: "uid-bob"}, nil).Times(2)

	f.emit(&alice)
	f.retryThrough(1, time.Second)

	_, ok := f.hydrator.WaitForReady(context.Background())
	require.False(t, ok)
	require.Equal(t, domain.PhaseSignedOutWithWarning, f.hydrator.State().Phase)
}

func TestSignOutSupersedesInFlightHydration(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, nil).Times(1)

	f.emit(&alice)
	f.fake.BlockUntil(1)
	f.emit(nil)

	state := f.hydrator.State()
	require.Equal(t, domain.PhaseSignedOut, state.Phase)
	require.Nil(t, state.Identity)

	f.fake.Advance(DefaultRetryDelay)
	_, ok := f.hydrator.WaitForReady(context.Background())
	require.False(t, ok)
	require.Equal(t, domain.PhaseSignedOut, f.hydrator.State().Phase)
}

func TestWaitForReadyResolvesAtCeiling(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	type outcome struct {
		session domain.Session
		ok      bool
	}
	done := make(chan outcome, 1)
	go func() {
		s, ok := f.hydrator.WaitForReady(context.Background())
		done <- outcome{s, ok}
	}()

	f.fake.BlockUntil(1)
	f.fake.Advance(DefaultReadyCeiling - time.Millisecond)
	select {
	case <-done:
		t.Fatalf("resolved before the ceiling")
	default:
	}
	f.fake.Advance(time.Millisecond)

	select {
	case out := <-done:
		require.False(t, out.ok)
		require.Empty(t, out.session.Identity.IdentityID)
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitForReady did not resolve at the ceiling")
	}
}

func TestWaitForReadyHonoursContext(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := f.hydrator.WaitForReady(ctx)
	require.False(t, ok)
}

func TestRefreshUserDataRecoversFromWarning(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	gomock.InOrder(
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, nil),
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).
			Return(&domain.Profile{IdentityID: alice.IdentityID, Role: "admin"}, nil),
	)

	f.emit(&alice)
	_, ok := f.hydrator.WaitForReady(context.Background())
	require.False(t, ok)

	require.NoError(t, f.hydrator.RefreshUserData(context.Background()))
	session, ok := f.hydrator.Session()
	require.True(t, ok)
	require.Equal(t, "admin", session.Profile.Role)
	require.Equal(t, alice, session.Identity)
}

func TestRefreshUserDataReplacesProfileOnly(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	gomock.InOrder(
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).
			Return(&domain.Profile{IdentityID: alice.IdentityID, Role: "customer"}, nil),
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).
			Return(&domain.Profile{IdentityID: alice.IdentityID, Role: "staff"}, nil),
	)

	f.emit(&alice)
	_, ok := f.hydrator.WaitForReady(context.Background())
	require.True(t, ok)

	require.NoError(t, f.hydrator.RefreshUserData(context.Background()))
	state := f.hydrator.State()
	require.Equal(t, "staff", state.Session.Profile.Role)
	require.Equal(t, alice, *state.Identity)
}

func TestRefreshUserDataErrors(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})

	err := f.hydrator.RefreshUserData(context.Background())
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	cause := errors.New("firestore unavailable")
	gomock.InOrder(
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, nil),
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, cause),
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, nil),
	)
	f.emit(&alice)
	f.hydrator.WaitForReady(context.Background())

	err = f.hydrator.RefreshUserData(context.Background())
	require.ErrorIs(t, err, cause)
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))

	err = f.hydrator.RefreshUserData(context.Background())
	require.True(t, errs.HasCode(err, errs.CodeNotFound))
	require.Equal(t, domain.PhaseSignedOutWithWarning, f.hydrator.State().Phase)
}

func TestRefreshDuringProfilePendingSettlesAndSupersedesRetries(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3, RetryDelay: time.Second})
	gomock.InOrder(
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).Return(nil, nil),
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).
			Return(&domain.Profile{IdentityID: alice.IdentityID, Role: "customer"}, nil),
	)

	f.emit(&alice)
	f.fake.BlockUntil(1)
	require.Equal(t, domain.PhaseProfilePending, f.hydrator.State().Phase)

	require.NoError(t, f.hydrator.RefreshUserData(context.Background()))
	session, ok := f.hydrator.WaitForReady(context.Background())
	require.True(t, ok)
	require.Equal(t, "customer", session.Profile.Role)

	f.fake.Advance(time.Second)
	f.fake.Advance(time.Second)
	require.Never(t, func() bool {
		return f.hydrator.State().Phase != domain.PhaseHydrated
	}, 100*time.Millisecond, 5*time.Millisecond)
	require.True(t, f.hydrator.SignedIn())
}

func TestReemittedIdentityKeepsHydratedSession(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).
		Return(&domain.Profile{IdentityID: alice.IdentityID, Role: "customer"}, nil).Times(1)

	var (
		mu     sync.Mutex
		phases []domain.Phase
	)
	f.hydrator.Subscribe(func(s domain.State) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})
	seen := func() []domain.Phase {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.Phase(nil), phases...)
	}

	f.emit(&alice)
	_, ok := f.hydrator.WaitForReady(context.Background())
	require.True(t, ok)

	renamed := alice
	renamed.DisplayName = "Alice B."
	f.emit(&renamed)

	want := []domain.Phase{
		domain.PhaseIdentityPending,
		domain.PhaseProfilePending,
		domain.PhaseHydrated,
		domain.PhaseHydrated,
	}
	require.Eventually(t, func() bool { return len(seen()) == len(want) }, time.Second, time.Millisecond)
	require.Equal(t, want, seen())
	session, ok := f.hydrator.WaitForReady(context.Background())
	require.True(t, ok)
	require.Equal(t, "Alice B.", session.Identity.DisplayName)
	require.Equal(t, "Alice B.", f.hydrator.State().Identity.DisplayName)
	require.Equal(t, "customer", session.Profile.Role)
}

func TestListenersEndOnLatestStateWhenSignOutRacesHydration(t *testing.T) {
	for i := 0; i < 30; i++ {
		f := newFixture(t, Config{MaxAttempts: 1})
		f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).
			Return(&domain.Profile{IdentityID: alice.IdentityID}, nil).AnyTimes()

		var (
			mu   sync.Mutex
			last domain.Phase
		)
		f.hydrator.Subscribe(func(s domain.State) {
			mu.Lock()
			last = s.Phase
			mu.Unlock()
		})
		lastPhase := func() domain.Phase {
			mu.Lock()
			defer mu.Unlock()
			return last
		}

		f.emit(&alice)
		f.emit(nil)

		require.Equal(t, domain.PhaseSignedOut, f.hydrator.State().Phase)
		require.Eventually(t, func() bool { return lastPhase() == domain.PhaseSignedOut },
			time.Second, time.Millisecond, "iteration %d", i)
		require.Never(t, func() bool { return lastPhase() != domain.PhaseSignedOut },
			20*time.Millisecond, time.Millisecond, "iteration %d", i)
	}
}

func TestListenersObservePhaseSequence(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 1})
	f.profiles.EXPECT().GetProfile(gomock.Any(), alice.IdentityID).
		Return(&domain.Profile{IdentityID: alice.IdentityID}, nil)

	var (
		mu     sync.Mutex
		phases []domain.Phase
	)
	f.hydrator.Subscribe(func(s domain.State) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})

	f.emit(&alice)
	f.hydrator.WaitForReady(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) == 3
	}, time.Second, 5*time.Millisecond)
	f.emit(nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []domain.Phase{
		domain.PhaseIdentityPending,
		domain.PhaseProfilePending,
		domain.PhaseHydrated,
		domain.PhaseSignedOut,
	}, phases)
}

func TestStartValidatesPorts(t *testing.T) {
	h := NewHydrator(nil, nil, DefaultConfig())
	require.True(t, errs.HasCode(h.Start(context.Background()), errs.CodeInvalid))

	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Subscribe(gomock.Any()).Return(func() {})
	h = NewHydrator(provider, mocks.NewMockProfileStore(ctrl), DefaultConfig())
	require.NoError(t, h.Start(context.Background()))
	require.True(t, errs.HasCode(h.Start(context.Background()), errs.CodeConflict))
}
