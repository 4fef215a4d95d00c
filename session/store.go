package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// renewalTimeout bounds a refresh started by the renewal timer.
const renewalTimeout = 30 * time.Second

// Refresher performs the refresh network call. It receives the current token
// and returns the new one, plus the user when the server sends it.
type Refresher interface {
	Refresh(ctx context.Context, token string) (string, *UserProfile, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, token string) (string, *UserProfile, error)

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, token string) (string, *UserProfile, error) {
	return f(ctx, token)
}

// Store is the process-wide session. It persists every mutation and owns the
// renewal timer.
type Store struct {
	mu        sync.Mutex
	session   Session
	gen       uint64 // bumped on login, logout and external restore
	persister Persister
	refresher Refresher
	renew     func(ctx context.Context)
	timer     stopper
	timerSeq  uint64
	renewAt   time.Time
	subs      map[*subscriber]struct{}

	logger    zerolog.Logger
	now       func() time.Time
	afterFunc afterFunc
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock replaces time.Now for expiry calculations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRefresher sets the network refresher.
func WithRefresher(r Refresher) Option {
	return func(s *Store) { s.refresher = r }
}

func withAfterFunc(f afterFunc) Option {
	return func(s *Store) { s.afterFunc = f }
}

// NewStore returns an empty, unauthenticated store. Call Restore to load the
// persisted session.
func NewStore(p Persister, opts ...Option) *Store {
	if p == nil {
		p = &MemoryStore{}
	}
	s := &Store{
		persister: p,
		logger:    zerolog.Nop(),
		now:       time.Now,
		afterFunc: realAfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRefresher sets the network refresher after construction, for callers
// whose refresher itself depends on the store.
func (s *Store) SetRefresher(r Refresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresher = r
}

// OnRenew sets what the renewal timer invokes when it fires. By default it
// calls RefreshToken directly; the API client routes it through its refresh
// coordinator so a timer refresh never overlaps a reactive one.
func (s *Store) OnRenew(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renew = fn
}

// Session returns a copy of the current session.
func (s *Store) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.clone()
}

// Token returns the current access token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Token
}

// IsAuthenticated reports whether both a user and a token are present.
func (s *Store) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.IsAuthenticated
}

// RenewalAt returns when the armed renewal timer fires.
func (s *Store) RenewalAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewAt, s.timer != nil
}

// Restore replaces the in-memory session with the persisted one and re-arms
// renewal when it is authenticated. A missing record yields a logged-out
// session. Restoring an identical session is a no-op.
func (s *Store) Restore() error {
	loaded, err := s.persister.Load()
	if err != nil && !errors.Is(err, ErrNoSession) {
		return fmt.Errorf("failed to restore session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if loaded.sameAs(s.session) {
		return nil
	}
	s.session = loaded
	s.gen++
	s.notifyLocked()
	if loaded.IsAuthenticated {
		s.logger.Debug().Int("user_id", loaded.User.ID).Msg("session restored")
		s.scheduleRenewalLocked()
	} else {
		s.logger.Debug().Msg("no stored session")
		s.cancelRenewalLocked()
	}
	return nil
}

// Login stores an authenticated session and schedules renewal.
func (s *Store) Login(user UserProfile, token string) error {
	if token == "" {
		return errors.New("login requires a token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = newSession(&user, token)
	s.gen++
	s.scheduleRenewalLocked()
	s.notifyLocked()
	s.logger.Info().Int("user_id", user.ID).Str("email", user.Email).Msg("logged in")
	return s.persistLocked()
}

// Logout clears the session and cancels any scheduled renewal.
func (s *Store) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logoutLocked()
	return s.persistLocked()
}

// SetUser replaces the user without touching the token.
func (s *Store) SetUser(user UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = newSession(&user, s.session.Token)
	s.notifyLocked()
	return s.persistLocked()
}

// RefreshToken exchanges the current token for a new one. On failure the
// session is cleared and the returned error wraps ErrSessionExpired.
func (s *Store) RefreshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	token, gen, refresher := s.session.Token, s.gen, s.refresher
	if token == "" || refresher == nil {
		err := ErrNotAuthenticated
		if token != "" {
			err = errors.New("no refresher configured")
		}
		s.clearLocked()
		s.mu.Unlock()
		return "", err
	}
	s.mu.Unlock()

	newToken, user, err := refresher.Refresh(ctx, token)
	if err == nil && newToken == "" {
		err = errors.New("refresh response contained no access token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		// The session was replaced while the call was in flight: logged out,
		// logged in again, or restored from another process's write. The
		// result of this call is stale either way.
		if s.session.IsAuthenticated {
			return s.session.Token, nil
		}
		return "", ErrNotAuthenticated
	}

	if err != nil {
		s.logger.Warn().Err(err).Msg("token refresh failed, logging out")
		s.clearLocked()
		return "", fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	if user == nil {
		user = s.session.User
	}
	s.session = newSession(user, newToken)
	s.scheduleRenewalLocked()
	s.notifyLocked()
	s.logger.Info().Msg("token refreshed")
	if pErr := s.persistLocked(); pErr != nil {
		s.logger.Error().Err(pErr).Msg("failed to persist refreshed session")
	}
	return newToken, nil
}

// clearLocked logs out and persists the empty session, logging a write
// failure instead of returning it.
func (s *Store) clearLocked() {
	s.logoutLocked()
	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist cleared session")
	}
}

func (s *Store) logoutLocked() {
	s.session = Session{}
	s.gen++
	s.cancelRenewalLocked()
	s.notifyLocked()
	s.logger.Info().Msg("logged out")
}

type subscriber struct {
	ch chan Session
}

// Subscribe returns a channel that receives the session after every change.
// Only the latest unread value is kept. Call cancel to stop receiving.
func (s *Store) Subscribe() (<-chan Session, func()) {
	sub := &subscriber{ch: make(chan Session, 1)}

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[*subscriber]struct{})
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notifyLocked() {
	for sub := range s.subs {
		snap := s.session.clone()
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snap
	}
}

func (s *Store) persistLocked() error {
	if err := s.persister.Save(s.session); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func (s *Store) cancelRenewalLocked() {
	s.timerSeq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.renewAt = time.Time{}
	}
}

// scheduleRenewalLocked arms the renewal timer for the current token,
// replacing any earlier one.
func (s *Store) scheduleRenewalLocked() {
	s.cancelRenewalLocked()

	now := s.now()
	delay, err := RenewalDelay(s.session.Token, now)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot schedule token renewal")
		return
	}
	if delay <= 0 {
		s.logger.Debug().Dur("delay", delay).Msg("token near expiry, renewal not scheduled")
		return
	}

	seq := s.timerSeq
	s.renewAt = now.Add(delay)
	s.timer = s.afterFunc(delay, func() { s.fireRenewal(seq) })
	s.logger.Debug().Time("at", s.renewAt).Msg("token renewal scheduled")
}

func (s *Store) fireRenewal(seq uint64) {
	s.mu.Lock()
	if s.timerSeq != seq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.renewAt = time.Time{}
	renew := s.renew
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	s.logger.Info().Msg("renewing token before expiry")
	if renew != nil {
		renew(ctx)
		return
	}
	if _, err := s.RefreshToken(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("scheduled renewal failed")
	}
}
