package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUser = UserProfile{ID: 7, Email: "ada@example.com", FullName: "Ada", IsActive: true}

func mintToken(t testing.TB, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeTimers struct {
	mu    sync.Mutex
	armed []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) stopper {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.armed = append(ft.armed, t)
	return t
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.armed) == 0 {
		return nil
	}
	return ft.armed[len(ft.armed)-1]
}

func newTestStore(t *testing.T, now time.Time, opts ...Option) (*Store, *MemoryStore, *fakeTimers) {
	t.Helper()
	mem := &MemoryStore{}
	timers := &fakeTimers{}
	opts = append([]Option{
		WithClock(func() time.Time { return now }),
		withAfterFunc(timers.afterFunc),
	}, opts...)
	return NewStore(mem, opts...), mem, timers
}

func TestLogin_SchedulesRenewalFiveMinutesBeforeExpiry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store, mem, timers := newTestStore(t, now)

	token := mintToken(t, now.Add(10*time.Minute))
	require.NoError(t, store.Login(testUser, token))

	s := store.Session()
	assert.True(t, s.IsAuthenticated)
	assert.Equal(t, token, s.Token)
	assert.Equal(t, testUser.Email, s.User.Email)
	assert.Equal(t, 1, mem.Saves)

	timer := timers.last()
	require.NotNil(t, timer)
	assert.Equal(t, 5*time.Minute, timer.d)

	at, armed := store.RenewalAt()
	assert.True(t, armed)
	assert.Equal(t, now.Add(5*time.Minute), at)
}

func TestLogin_ExpiredTokenArmsNoTimer(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	store, _, timers := newTestStore(t, now)

	require.NoError(t, store.Login(testUser, mintToken(t, now.Add(-time.Minute))))

	assert.True(t, store.IsAuthenticated())
	assert.Nil(t, timers.last())
	_, armed := store.RenewalAt()
	assert.False(t, armed)
}

func TestLogin_TokenInsideThresholdArmsNoTimer(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	store, _, timers := newTestStore(t, now)

	require.NoError(t, store.Login(testUser, mintToken(t, now.Add(4*time.Minute))))
	assert.Nil(t, timers.last())
}

func TestLogin_MalformedTokenArmsNoTimer(t *testing.T) {
	store, _, timers := newTestStore(t, time.Now())

	require.NoError(t, store.Login(testUser, "not-a-jwt"))
	assert.True(t, store.IsAuthenticated())
	assert.Nil(t, timers.last())
}

func TestLogin_EmptyTokenRejected(t *testing.T) {
	store, mem, _ := newTestStore(t, time.Now())

	assert.Error(t, store.Login(testUser, ""))
	assert.False(t, store.IsAuthenticated())
	assert.Equal(t, 0, mem.Saves)
}

func TestLoginThenLogout_ClearsSessionAndCancelsTimer(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	store, mem, timers := newTestStore(t, now)

	require.NoError(t, store.Login(testUser, mintToken(t, now.Add(time.Hour))))
	require.NoError(t, store.Logout())

	s := store.Session()
	assert.False(t, s.IsAuthenticated)
	assert.Empty(t, s.Token)
	assert.Nil(t, s.User)

	require.NotNil(t, timers.last())
	assert.True(t, timers.last().stopped)
	_, armed := store.RenewalAt()
	assert.False(t, armed)

	persisted, err := mem.Load()
	require.NoError(t, err)
	assert.False(t, persisted.IsAuthenticated)
	assert.Equal(t, 2, mem.Saves)
}

func TestLogout_StaleTimerDoesNotFire(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	store, _, timers := newTestStore(t, now)

	var renewed bool
	store.OnRenew(func(context.Context) { renewed = true })

	require.NoError(t, store.Login(testUser, mintToken(t, now.Add(time.Hour))))
	timer := timers.last()
	require.NoError(t, store.Logout())

	// Simulate the timer having already fired when Stop was called.
	timer.f()
	assert.False(t, renewed)
}

func TestSetUser_KeepsToken(t *testing.T) {
	store, _, _ := newTestStore(t, time.Now())
	require.NoError(t, store.Login(testUser, "tok-1"))

	renamed := testUser
	renamed.FullName = "Ada Lovelace"
	require.NoError(t, store.SetUser(renamed))

	s := store.Session()
	assert.Equal(t, "tok-1", s.Token)
	assert.Equal(t, "Ada Lovelace", s.User.FullName)
	assert.True(t, s.IsAuthenticated)
}

func TestRefreshToken_ReplacesTokenAndRearms(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	newToken := mintToken(t, now.Add(30*time.Minute))

	var gotOld string
	store, mem, timers := newTestStore(t, now, WithRefresher(RefresherFunc(
		func(_ context.Context, token string) (string, *UserProfile, error) {
			gotOld = token
			return newToken, nil, nil
		},
	)))

	oldToken := mintToken(t, now.Add(10*time.Minute))
	require.NoError(t, store.Login(testUser, oldToken))
	first := timers.last()

	tok, err := store.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newToken, tok)
	assert.Equal(t, oldToken, gotOld)

	s := store.Session()
	assert.Equal(t, newToken, s.Token)
	assert.Equal(t, testUser.ID, s.User.ID, "user kept when refresh omits it")

	assert.True(t, first.stopped)
	assert.Equal(t, 25*time.Minute, timers.last().d)
	assert.Equal(t, 2, mem.Saves)
}

func TestRefreshToken_ReplacesUserWhenReturned(t *testing.T) {
	other := UserProfile{ID: 7, Email: "ada@example.com", FullName: "Countess"}
	store, _, _ := newTestStore(t, time.Now(), WithRefresher(RefresherFunc(
		func(context.Context, string) (string, *UserProfile, error) {
			return "tok-2", &other, nil
		},
	)))
	require.NoError(t, store.Login(testUser, "tok-1"))

	_, err := store.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Countess", store.Session().User.FullName)
}

func TestRefreshToken_FailureLogsOut(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	boom := errors.New("401 from refresh")
	store, mem, timers := newTestStore(t, now, WithRefresher(RefresherFunc(
		func(context.Context, string) (string, *UserProfile, error) {
			return "", nil, boom
		},
	)))
	require.NoError(t, store.Login(testUser, mintToken(t, now.Add(time.Hour))))

	tok, err := store.RefreshToken(context.Background())
	assert.Empty(t, tok)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.ErrorIs(t, err, boom)

	assert.False(t, store.IsAuthenticated())
	assert.True(t, timers.last().stopped)

	persisted, err := mem.Load()
	require.NoError(t, err)
	assert.False(t, persisted.IsAuthenticated)
}

func TestRefreshToken_EmptyTokenIsFailure(t *testing.T) {
	store, _, _ := newTestStore(t, time.Now(), WithRefresher(RefresherFunc(
		func(context.Context, string) (string, *UserProfile, error) {
			return "", nil, nil
		},
	)))
	require.NoError(t, store.Login(testUser, "tok-1"))

	_, err := store.RefreshToken(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, store.IsAuthenticated())
}

func TestRefreshToken_WithoutSession(t *testing.T) {
	store, _, _ := newTestStore(t, time.Now())

	_, err := store.RefreshToken(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRefreshToken_LogoutDuringCallWins(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	store, _, _ := newTestStore(t, time.Now(), WithRefresher(RefresherFunc(
		func(context.Context, string) (string, *UserProfile, error) {
			close(started)
			<-release
			return "tok-2", nil, nil
		},
	)))
	require.NoError(t, store.Login(testUser, "tok-1"))

	errCh := make(chan error, 1)
	go func() {
		_, err := store.RefreshToken(context.Background())
		errCh <- err
	}()

	<-started
	require.NoError(t, store.Logout())
	close(release)

	assert.ErrorIs(t, <-errCh, ErrNotAuthenticated)
	assert.False(t, store.IsAuthenticated())
	assert.Empty(t, store.Token())
}

func TestRefreshToken_RestoreDuringCallKeepsRestoredToken(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	store, mem, _ := newTestStore(t, time.Now(), WithRefresher(RefresherFunc(
		func(context.Context, string) (string, *UserProfile, error) {
			close(started)
			<-release
			return "tok-mine", nil, nil
		},
	)))
	require.NoError(t, store.Login(testUser, "tok-1"))

	type result struct {
		tok string
		err error
	}
	done := make(chan result, 1)
	go func() {
		tok, err := store.RefreshToken(context.Background())
		done <- result{tok, err}
	}()

	// Another process refreshed first and rewrote the record.
	<-started
	require.NoError(t, mem.Save(newSession(&testUser, "tok-other")))
	require.NoError(t, store.Restore())
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "tok-other", res.tok)
	assert.True(t, store.IsAuthenticated())
	assert.Equal(t, "tok-other", store.Token())
}

func TestRefreshToken_UserWithoutTokenIsCleared(t *testing.T) {
	store, mem, _ := newTestStore(t, time.Now(), WithRefresher(RefresherFunc(
		func(context.Context, string) (string, *UserProfile, error) {
			t.Error("refresher must not be called without a token")
			return "", nil, nil
		},
	)))
	require.NoError(t, store.SetUser(testUser))
	require.NotNil(t, store.Session().User)

	_, err := store.RefreshToken(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Nil(t, store.Session().User)

	persisted, err := mem.Load()
	require.NoError(t, err)
	assert.Nil(t, persisted.User)
}

func TestRefreshToken_NoRefresherLogsOut(t *testing.T) {
	store, _, _ := newTestStore(t, time.Now())
	require.NoError(t, store.Login(testUser, "tok-1"))

	_, err := store.RefreshToken(context.Background())
	assert.Error(t, err)
	assert.False(t, store.IsAuthenticated())
	assert.Nil(t, store.Session().User)
}

func TestRestore_RearmsRenewal(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	mem := &MemoryStore{}
	token := mintToken(t, now.Add(20*time.Minute))
	require.NoError(t, mem.Save(newSession(&testUser, token)))

	timers := &fakeTimers{}
	store := NewStore(mem, WithClock(func() time.Time { return now }), withAfterFunc(timers.afterFunc))
	require.NoError(t, store.Restore())

	assert.True(t, store.IsAuthenticated())
	require.NotNil(t, timers.last())
	assert.Equal(t, 15*time.Minute, timers.last().d)

	// Identical record: nothing re-armed.
	require.NoError(t, store.Restore())
	timers.mu.Lock()
	assert.Len(t, timers.armed, 1)
	timers.mu.Unlock()
}

func TestRestore_MissingRecordLogsOutInMemory(t *testing.T) {
	store, mem, _ := newTestStore(t, time.Now())
	require.NoError(t, store.Login(testUser, "tok-1"))

	mem.saved = false
	require.NoError(t, store.Restore())
	assert.False(t, store.IsAuthenticated())
}

func TestScheduledRenewal_FiresThroughOnRenew(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	// Place "now" 50ms before the renewal point so the real timer fires quickly.
	now := exp.Add(-RenewalThreshold - 50*time.Millisecond)

	store := NewStore(&MemoryStore{}, WithClock(func() time.Time { return now }))
	fired := make(chan struct{})
	store.OnRenew(func(ctx context.Context) {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		close(fired)
	})

	require.NoError(t, store.Login(testUser, mintToken(t, exp)))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal timer did not fire")
	}
	_, armed := store.RenewalAt()
	assert.False(t, armed)
}

func TestSession_JSONShape(t *testing.T) {
	data, err := json.Marshal(Session{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":null,"token":null,"isAuthenticated":false}`, string(data))

	var s Session
	require.NoError(t, json.Unmarshal([]byte(`{"user":null,"token":"x","isAuthenticated":true}`), &s))
	assert.False(t, s.IsAuthenticated, "authenticated flag is derived, not trusted")
	assert.Equal(t, "x", s.Token)
}

func TestStore_SubscribeKeepsLatest(t *testing.T) {
	s := NewStore(&MemoryStore{})
	ch, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Login(testUser, "tok-1"))
	require.NoError(t, s.Login(testUser, "tok-2"))

	got := <-ch
	assert.Equal(t, "tok-2", got.Token)
	assert.True(t, got.IsAuthenticated)

	require.NoError(t, s.Logout())
	got = <-ch
	assert.False(t, got.IsAuthenticated)

	cancel()
	require.NoError(t, s.Login(testUser, "tok-3"))
	select {
	case <-ch:
		t.Fatal("received after cancel")
	default:
	}
}
