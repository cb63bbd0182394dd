// Package auth owns per-site login sessions: it performs the login flow,
// validates cached sessions against the authenticated-page marker, and
// re-logs in when a session has expired. Session mutation is serialized
// per site; everything else only reads.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arb-alerts/internal/browser"
	"arb-alerts/internal/config"
	"arb-alerts/internal/retry"
)

// Status describes the lifecycle of a Session.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusUnknown Status = "unknown"
)

// Session is the authenticated state for one site. Owned exclusively by
// the Manager; callers receive copies.
type Session struct {
	SiteID          string
	Cookies         []browser.Cookie
	CreatedAt       time.Time
	LastValidatedAt time.Time
	Status          Status
}

// Reason classifies why a login could not complete.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonLoginTimeout       Reason = "login_timeout"
	ReasonSiteUnreachable    Reason = "site_unreachable"
)

// AuthError is fatal for its site but must not stop other sites.
type AuthError struct {
	Site   string
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Site, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Site, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Manager establishes and validates sessions for every configured site.
type Manager struct {
	driver        browser.Driver
	sites         map[string]config.SiteConfig
	loginTimeout  time.Duration
	validationTTL time.Duration
	policy        retry.Policy
	logger        zerolog.Logger

	// mu guards locks, sessions, probes, and every Session field. The
	// per-site locks only serialize login flows; they never protect
	// session state on their own.
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	sessions map[string]*Session
	probes   map[string]browser.TabHandle
}

// NewManager constructs the auth manager.
func NewManager(driver browser.Driver, sites map[string]config.SiteConfig, cfg config.AuthConfig, policy retry.Policy, logger zerolog.Logger) *Manager {
	loginTimeout := cfg.LoginTimeout
	if loginTimeout <= 0 {
		loginTimeout = 30 * time.Second
	}
	validationTTL := cfg.ValidationTTL
	if validationTTL <= 0 {
		validationTTL = 2 * time.Minute
	}

	locks := make(map[string]*sync.Mutex, len(sites))
	for id := range sites {
		locks[id] = &sync.Mutex{}
	}

	return &Manager{
		driver:        driver,
		sites:         sites,
		loginTimeout:  loginTimeout,
		validationTTL: validationTTL,
		policy:        policy,
		logger:        logger.With().Str("component", "auth").Logger(),
		locks:         locks,
		sessions:      make(map[string]*Session, len(sites)),
		probes:        make(map[string]browser.TabHandle, len(sites)),
	}
}

// EnsureSession returns an active session for the site, logging in when
// no valid cached session exists. Calling it with a valid session is a
// no-op beyond validation. Only one (re-)authentication per site runs
// at a time.
func (m *Manager) EnsureSession(ctx context.Context, siteID string) (Session, error) {
	site, ok := m.sites[siteID]
	if !ok {
		return Session{}, fmt.Errorf("unknown site %q", siteID)
	}

	lock := m.siteLock(siteID)
	lock.Lock()
	defer lock.Unlock()

	now := m.policy.Clock().Now()

	if sess, ok := m.activeSession(siteID); ok {
		if now.Sub(sess.LastValidatedAt) < m.validationTTL {
			return sess, nil
		}
		valid, err := m.validate(ctx, siteID, site)
		if err == nil && valid {
			if refreshed, ok := m.markValidated(siteID, now); ok {
				m.logger.Debug().Str("site", siteID).Msg("session validated")
				return refreshed, nil
			}
		}
		m.logger.Info().Str("site", siteID).Msg("cached session invalid, re-authenticating")
		m.expireSession(siteID)
	}

	sess, err := m.login(ctx, siteID, site)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	m.sessions[siteID] = sess
	fresh := *sess
	m.mu.Unlock()
	return fresh, nil
}

// Invalidate marks the cached session expired so the next EnsureSession
// performs a fresh login. Driven by logged-out page verdicts.
func (m *Manager) Invalidate(siteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[siteID]; ok {
		sess.Status = StatusExpired
		m.logger.Info().Str("site", siteID).Msg("session invalidated")
	}
}

// ApplySession injects the site's session cookies into a tab. Used when
// a tab is opened or recycled so it shares the authenticated state.
func (m *Manager) ApplySession(ctx context.Context, h browser.TabHandle, siteID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[siteID]
	var cookies []browser.Cookie
	if ok {
		cookies = append(cookies, sess.Cookies...)
	}
	m.mu.Unlock()

	if !ok || len(cookies) == 0 {
		return nil
	}
	if err := m.driver.SetCookies(ctx, h, cookies); err != nil {
		return fmt.Errorf("apply session %s: %w", siteID, err)
	}
	return nil
}

// Close releases the probe tabs.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	probes := m.probes
	m.probes = make(map[string]browser.TabHandle)
	m.mu.Unlock()

	for site, h := range probes {
		if err := m.driver.CloseTab(ctx, h); err != nil {
			m.logger.Warn().Str("site", site).Err(err).Msg("close probe tab")
		}
	}
}

// activeSession returns a copy of the cached session when it is active.
func (m *Manager) activeSession(siteID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[siteID]
	if !ok || sess.Status != StatusActive {
		return Session{}, false
	}
	return *sess, true
}

// markValidated bumps the validation time, unless the session was
// invalidated while the probe ran.
func (m *Manager) markValidated(siteID string, at time.Time) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[siteID]
	if !ok || sess.Status != StatusActive {
		return Session{}, false
	}
	sess.LastValidatedAt = at
	return *sess, true
}

func (m *Manager) expireSession(siteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[siteID]; ok {
		sess.Status = StatusExpired
	}
}

func (m *Manager) siteLock(siteID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[siteID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[siteID] = lock
	}
	return lock
}

// probeTab returns the dedicated login/validation tab for the site,
// opening it on first use.
func (m *Manager) probeTab(ctx context.Context, siteID string, site config.SiteConfig) (browser.TabHandle, error) {
	m.mu.Lock()
	h, ok := m.probes[siteID]
	m.mu.Unlock()
	if ok {
		return h, nil
	}

	h, err := m.driver.OpenTab(ctx, site.BaseURL)
	if err != nil {
		return "", &AuthError{Site: siteID, Reason: ReasonSiteUnreachable, Err: err}
	}
	m.mu.Lock()
	m.probes[siteID] = h
	m.mu.Unlock()
	return h, nil
}

// validate probes the low-cost authenticated marker on the site's probe
// tab without submitting anything.
func (m *Manager) validate(ctx context.Context, siteID string, site config.SiteConfig) (bool, error) {
	h, err := m.probeTab(ctx, siteID, site)
	if err != nil {
		return false, err
	}
	if err := m.driver.Navigate(ctx, h, site.BaseURL); err != nil {
		return false, err
	}
	marker, err := m.driver.ReadText(ctx, h, site.AuthMarker)
	if err != nil {
		return false, err
	}
	return marker.Present, nil
}

// login runs the full login flow under the configured timeout and
// harvests the resulting cookies into a fresh session.
func (m *Manager) login(ctx context.Context, siteID string, site config.SiteConfig) (*Session, error) {
	if site.Username == "" || site.Password == "" {
		return nil, &AuthError{Site: siteID, Reason: ReasonInvalidCredentials, Err: fmt.Errorf("credentials not configured")}
	}

	h, err := m.probeTab(ctx, siteID, site)
	if err != nil {
		return nil, err
	}

	loginCtx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	defer cancel()

	m.logger.Info().Str("site", siteID).Msg("attempting login")

	if err := m.driver.Navigate(loginCtx, h, site.LoginURL); err != nil {
		return nil, &AuthError{Site: siteID, Reason: ReasonSiteUnreachable, Err: err}
	}

	m.dismissConsent(loginCtx, h, site)

	if err := m.driver.Fill(loginCtx, h, site.LoginForm.Email, site.Username); err != nil {
		return nil, &AuthError{Site: siteID, Reason: ReasonLoginTimeout, Err: err}
	}
	if err := m.driver.Fill(loginCtx, h, site.LoginForm.Password, site.Password); err != nil {
		return nil, &AuthError{Site: siteID, Reason: ReasonLoginTimeout, Err: err}
	}
	if err := m.driver.Click(loginCtx, h, site.LoginForm.Submit); err != nil {
		return nil, &AuthError{Site: siteID, Reason: ReasonLoginTimeout, Err: err}
	}

	// Poll for the success marker until the login deadline.
	waitErr := m.policy.Do(loginCtx, func(ctx context.Context) error {
		marker, err := m.driver.ReadText(ctx, h, site.AuthMarker)
		if err != nil {
			return err
		}
		if !marker.Present {
			return fmt.Errorf("auth marker not present yet")
		}
		return nil
	})
	if waitErr != nil {
		// A still-visible login form means the site rejected the
		// credentials rather than timing out.
		if form, ferr := m.driver.ReadText(ctx, h, site.LoginForm.Email); ferr == nil && form.Present {
			return nil, &AuthError{Site: siteID, Reason: ReasonInvalidCredentials, Err: waitErr}
		}
		return nil, &AuthError{Site: siteID, Reason: ReasonLoginTimeout, Err: waitErr}
	}

	cookies, err := m.driver.Cookies(ctx, h)
	if err != nil {
		m.logger.Warn().Str("site", siteID).Err(err).Msg("could not harvest session cookies")
	}

	now := m.policy.Clock().Now()
	m.logger.Info().Str("site", siteID).Int("cookies", len(cookies)).Msg("login successful")
	return &Session{
		SiteID:          siteID,
		Cookies:         cookies,
		CreatedAt:       now,
		LastValidatedAt: now,
		Status:          StatusActive,
	}, nil
}

// dismissConsent clicks through cookie banners best-effort before the
// login form is used.
func (m *Manager) dismissConsent(ctx context.Context, h browser.TabHandle, site config.SiteConfig) {
	for _, selector := range site.Consent {
		if err := m.driver.Click(ctx, h, selector); err == nil {
			m.logger.Debug().Str("selector", selector).Msg("dismissed consent banner")
			return
		}
	}
}
