// Package session owns one authenticated platform context per account.
//
// Each account moves through NoSession -> LoggingIn -> Authenticated, and
// from Authenticated to Expired when a probe finds the platform no longer
// accepts it. A session is leased exclusively: a second Acquire for the same
// account fails with ErrBusy until the first lease is released. Session
// state is persisted signed and encrypted so a restarted process can resume
// without logging in again.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/cafeyard/internal/metrics"
	"github.com/zulandar/cafeyard/internal/models"
	"github.com/zulandar/cafeyard/internal/platform"
	"gorm.io/gorm"
)

// State is the lifecycle position of an account session.
type State string

const (
	NoSession     State = "no_session"
	LoggingIn     State = "logging_in"
	Authenticated State = "authenticated"
	Expired       State = "expired"
)

// codecName binds encoded values to this use.
const codecName = "cafeyard_session"

// ErrBusy is returned when the account's session is already leased.
var ErrBusy = errors.New("session: already in use")

// Options configures a Manager.
type Options struct {
	HashKey  []byte
	BlockKey []byte
	// RevalidateAfter is how old the last successful probe may be before the
	// session is probed again on Acquire. Zero probes on every Acquire.
	RevalidateAfter time.Duration
	Metrics         metrics.Recorder
	Log             *logrus.Entry
}

type entry struct {
	state         State
	session       platform.SessionState
	loaded        bool
	leased        bool
	lastLogin     time.Time
	lastValidated time.Time
}

// Manager is the registry of account sessions.
type Manager struct {
	db       *gorm.DB
	client   platform.Client
	codec    *securecookie.SecureCookie
	revalAge time.Duration
	metrics  metrics.Recorder
	log      *logrus.Entry
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a Manager. Without a hash key, random keys are generated
// and persisted sessions will not survive a restart.
func NewManager(db *gorm.DB, client platform.Client, opts Options) (*Manager, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	hashKey, blockKey := opts.HashKey, opts.BlockKey
	if len(hashKey) == 0 {
		log.Warn("session: no hash key configured; persisted sessions will not survive a restart")
		hashKey = securecookie.GenerateRandomKey(32)
		blockKey = securecookie.GenerateRandomKey(32)
	}
	switch len(blockKey) {
	case 0, 16, 24, 32:
	default:
		return nil, fmt.Errorf("session: block key must be 16, 24 or 32 bytes, got %d", len(blockKey))
	}
	if len(blockKey) == 0 {
		blockKey = nil
	}

	codec := securecookie.New(hashKey, blockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(0)
	codec.MaxLength(0)

	rec := opts.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Manager{
		db:       db,
		client:   client,
		codec:    codec,
		revalAge: opts.RevalidateAfter,
		metrics:  rec,
		log:      log,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}, nil
}

// Lease is exclusive use of one account's session.
type Lease struct {
	m       *Manager
	account models.Account
	e       *entry
	done    bool
}

// State reports the current state for accountID.
func (m *Manager) State(accountID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[accountID]; ok {
		return e.state
	}
	return NoSession
}

// Acquire leases the account's session, loading persisted state, probing it
// when due and logging in when there is no usable session. On error the
// lease is not held.
func (m *Manager) Acquire(ctx context.Context, acct models.Account) (*Lease, error) {
	m.mu.Lock()
	e, ok := m.entries[acct.ID]
	if !ok {
		e = &entry{state: NoSession}
		m.entries[acct.ID] = e
	}
	if e.leased {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, acct.ID)
	}
	e.leased = true
	m.mu.Unlock()

	l := &Lease{m: m, account: acct, e: e}
	if err := l.prepare(ctx); err != nil {
		m.unlease(e)
		return nil, err
	}
	return l, nil
}

func (l *Lease) prepare(ctx context.Context) error {
	m := l.m
	if !l.e.loaded {
		if err := m.load(l.account.ID, l.e); err != nil {
			m.log.WithError(err).WithField("account_id", l.account.ID).Warn("discarding persisted session")
		}
		l.e.loaded = true
	}

	if m.getState(l.e) == Authenticated && m.now().Sub(l.e.lastValidated) >= m.revalAge {
		ok, err := m.client.Validate(ctx, l.e.session)
		if err != nil {
			return fmt.Errorf("session: validate %s: %w", l.account.ID, err)
		}
		if ok {
			l.e.lastValidated = m.now()
		} else {
			m.setState(l.e, Expired)
			m.log.WithField("account_id", l.account.ID).Info("session expired")
		}
	}

	if s := m.getState(l.e); s == NoSession || s == Expired {
		return l.login(ctx)
	}
	return nil
}

// Session returns the platform state to pass to actions.
func (l *Lease) Session() platform.SessionState {
	return l.e.session
}

// Relogin discards the current session and logs in again.
func (l *Lease) Relogin(ctx context.Context) error {
	if l.done {
		return fmt.Errorf("session: lease for %s already released", l.account.ID)
	}
	l.m.setState(l.e, Expired)
	return l.login(ctx)
}

func (l *Lease) login(ctx context.Context) error {
	m := l.m
	m.setState(l.e, LoggingIn)
	st, err := m.client.Login(ctx, platform.Credentials{AccountID: l.account.ID, Credential: l.account.Credential})
	m.metrics.RecordLogin(l.account.ID, err == nil)
	if err != nil {
		l.e.session = platform.SessionState{}
		m.setState(l.e, NoSession)
		return fmt.Errorf("session: login %s: %w", l.account.ID, err)
	}
	if st.AccountID == "" {
		st.AccountID = l.account.ID
	}
	now := m.now()
	l.e.session = st
	l.e.lastLogin = now
	l.e.lastValidated = now
	m.setState(l.e, Authenticated)
	m.log.WithField("account_id", l.account.ID).Info("logged in")

	if err := m.persist(l.account.ID, l.e); err != nil {
		m.log.WithError(err).WithField("account_id", l.account.ID).Warn("persist session after login")
	}
	return nil
}

// Release persists the session and ends the lease. It is safe to call more
// than once.
func (l *Lease) Release(ctx context.Context) error {
	if l.done {
		return nil
	}
	l.done = true
	defer l.m.unlease(l.e)
	return l.m.persist(l.account.ID, l.e)
}

// Close persists and tears down the session for accountID. A leased session
// is refused with ErrBusy.
func (m *Manager) Close(ctx context.Context, accountID string) error {
	m.mu.Lock()
	e, ok := m.entries[accountID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if e.leased {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, accountID)
	}
	delete(m.entries, accountID)
	m.mu.Unlock()

	var errs []error
	if err := m.persist(accountID, e); err != nil {
		errs = append(errs, err)
	}
	if m.getState(e) == Authenticated && !e.session.Empty() {
		if err := m.client.Close(ctx, e.session); err != nil {
			errs = append(errs, fmt.Errorf("session: close %s: %w", accountID, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAll closes every session that is not leased.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget deletes the persisted session for accountID, forcing a fresh login.
func (m *Manager) Forget(accountID string) error {
	m.mu.Lock()
	if e, ok := m.entries[accountID]; ok && e.leased {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, accountID)
	}
	delete(m.entries, accountID)
	m.mu.Unlock()

	if err := m.db.Where("account_id = ?", accountID).Delete(&models.AccountSession{}).Error; err != nil {
		return fmt.Errorf("session: forget %s: %w", accountID, err)
	}
	return nil
}

func (m *Manager) load(accountID string, e *entry) error {
	var row models.AccountSession
	err := m.db.Where("account_id = ?", accountID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: load %s: %w", accountID, err)
	}
	if row.State == "" || State(row.Status) != Authenticated {
		return nil
	}

	var st platform.SessionState
	if err := m.codec.Decode(codecName, row.State, &st); err != nil {
		return fmt.Errorf("session: decode %s: %w", accountID, err)
	}
	e.session = st
	if row.LastLoginAt != nil {
		e.lastLogin = *row.LastLoginAt
	}
	if row.LastValidatedAt != nil {
		e.lastValidated = *row.LastValidatedAt
	}
	m.setState(e, Authenticated)
	return nil
}

func (m *Manager) persist(accountID string, e *entry) error {
	row := models.AccountSession{
		AccountID: accountID,
		Status:    string(m.getState(e)),
		UpdatedAt: m.now(),
	}
	if !e.session.Empty() {
		encoded, err := m.codec.Encode(codecName, e.session)
		if err != nil {
			return fmt.Errorf("session: encode %s: %w", accountID, err)
		}
		row.State = encoded
	}
	if !e.lastLogin.IsZero() {
		t := e.lastLogin
		row.LastLoginAt = &t
	}
	if !e.lastValidated.IsZero() {
		t := e.lastValidated
		row.LastValidatedAt = &t
	}
	if err := m.db.Save(&row).Error; err != nil {
		return fmt.Errorf("session: persist %s: %w", accountID, err)
	}
	return nil
}

func (m *Manager) getState(e *entry) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.state
}

func (m *Manager) setState(e *entry, s State) {
	m.mu.Lock()
	e.state = s
	m.mu.Unlock()
}

func (m *Manager) unlease(e *entry) {
	m.mu.Lock()
	e.leased = false
	m.mu.Unlock()
}
