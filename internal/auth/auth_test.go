package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"arb-alerts/internal/browser"
	"arb-alerts/internal/config"
	"arb-alerts/internal/retry"
)

const (
	emailSel    = "#email"
	passwordSel = "#password"
	submitSel   = "#submit"
	markerSel   = ".user-menu"
)

// loginDriver scripts a site login: clicking submit with the right
// password flips the page to its authenticated state.
type loginDriver struct {
	password string

	loggedIn   bool
	logins     int
	openedTabs int
	fills      map[string]string
	navigated  []string
	setCookies map[browser.TabHandle][]browser.Cookie
}

func newLoginDriver(password string) *loginDriver {
	return &loginDriver{
		password:   password,
		fills:      make(map[string]string),
		setCookies: make(map[browser.TabHandle][]browser.Cookie),
	}
}

func (d *loginDriver) OpenTab(context.Context, string) (browser.TabHandle, error) {
	d.openedTabs++
	return browser.TabHandle("probe"), nil
}

func (d *loginDriver) CloseTab(context.Context, browser.TabHandle) error { return nil }

func (d *loginDriver) Navigate(_ context.Context, _ browser.TabHandle, url string) error {
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *loginDriver) ReadText(_ context.Context, _ browser.TabHandle, selector string) (browser.Text, error) {
	switch selector {
	case markerSel:
		if d.loggedIn {
			return browser.Present("me"), nil
		}
		return browser.Absent(), nil
	case emailSel:
		if d.loggedIn {
			return browser.Absent(), nil
		}
		return browser.Present(""), nil
	}
	return browser.Absent(), nil
}

func (d *loginDriver) PageHTML(context.Context, browser.TabHandle) (string, error) {
	return "", nil
}

func (d *loginDriver) CurrentURL(context.Context, browser.TabHandle) (string, error) {
	return "", nil
}

func (d *loginDriver) Click(_ context.Context, _ browser.TabHandle, selector string) error {
	if selector == submitSel {
		if d.fills[passwordSel] == d.password {
			d.loggedIn = true
			d.logins++
		}
		return nil
	}
	return errors.New("no such element")
}

func (d *loginDriver) Fill(_ context.Context, _ browser.TabHandle, selector, value string) error {
	d.fills[selector] = value
	return nil
}

func (d *loginDriver) Cookies(context.Context, browser.TabHandle) ([]browser.Cookie, error) {
	if !d.loggedIn {
		return nil, nil
	}
	return []browser.Cookie{{Name: "session", Value: "abc", Domain: "example.com"}}, nil
}

func (d *loginDriver) SetCookies(_ context.Context, h browser.TabHandle, cookies []browser.Cookie) error {
	d.setCookies[h] = cookies
	return nil
}

func (d *loginDriver) Close() error { return nil }

var _ browser.Driver = (*loginDriver)(nil)

type instantClock struct {
	now time.Time
}

func (c *instantClock) Now() time.Time { return c.now }

func (c *instantClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

func testSites() map[string]config.SiteConfig {
	return map[string]config.SiteConfig{
		"betburger": {
			BaseURL:    "https://example.com",
			LoginURL:   "https://example.com/users/sign_in",
			Username:   "user@example.com",
			Password:   "correct",
			AuthMarker: markerSel,
			LoginForm:  config.LoginSelector{Email: emailSel, Password: passwordSel, Submit: submitSel},
		},
	}
}

func newTestManager(driver browser.Driver, clock retry.Clock) *Manager {
	cfg := config.AuthConfig{LoginTimeout: 30 * time.Second, ValidationTTL: 2 * time.Minute}
	policy := retry.NewPolicy(3, 10*time.Millisecond, 50*time.Millisecond, 2).WithClock(clock)
	return NewManager(driver, testSites(), cfg, policy, zerolog.Nop())
}

func TestEnsureSessionPerformsLogin(t *testing.T) {
	driver := newLoginDriver("correct")
	clock := &instantClock{now: time.Unix(1000, 0)}
	mgr := newTestManager(driver, clock)

	sess, err := mgr.EnsureSession(context.Background(), "betburger")
	if err != nil {
		t.Fatalf("expected login to succeed: %v", err)
	}
	if sess.Status != StatusActive {
		t.Fatalf("expected active session, got %s", sess.Status)
	}
	if len(sess.Cookies) != 1 || sess.Cookies[0].Name != "session" {
		t.Fatalf("cookies not harvested: %+v", sess.Cookies)
	}
	if driver.logins != 1 {
		t.Fatalf("expected exactly one login, got %d", driver.logins)
	}
	if driver.fills[emailSel] != "user@example.com" {
		t.Fatalf("email not filled: %#v", driver.fills)
	}
}

func TestEnsureSessionUsesCacheWithinTTL(t *testing.T) {
	driver := newLoginDriver("correct")
	clock := &instantClock{now: time.Unix(1000, 0)}
	mgr := newTestManager(driver, clock)

	if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	clock.now = clock.now.Add(30 * time.Second)
	if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if driver.logins != 1 {
		t.Fatalf("cached session should not re-login, got %d logins", driver.logins)
	}
}

func TestEnsureSessionRevalidatesAfterTTL(t *testing.T) {
	driver := newLoginDriver("correct")
	clock := &instantClock{now: time.Unix(1000, 0)}
	mgr := newTestManager(driver, clock)

	if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	// Past the TTL with the marker still present: validate, no login.
	clock.now = clock.now.Add(3 * time.Minute)
	if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
		t.Fatalf("revalidation: %v", err)
	}
	if driver.logins != 1 {
		t.Fatalf("valid session should not re-login, got %d logins", driver.logins)
	}

	// Past the TTL with the site having dropped the session: re-login.
	driver.loggedIn = false
	clock.now = clock.now.Add(3 * time.Minute)
	sess, err := mgr.EnsureSession(context.Background(), "betburger")
	if err != nil {
		t.Fatalf("re-login: %v", err)
	}
	if driver.logins != 2 {
		t.Fatalf("expired session should trigger a fresh login, got %d logins", driver.logins)
	}
	if sess.Status != StatusActive {
		t.Fatalf("expected active session, got %s", sess.Status)
	}
}

func TestInvalidateForcesFreshLogin(t *testing.T) {
	driver := newLoginDriver("correct")
	clock := &instantClock{now: time.Unix(1000, 0)}
	mgr := newTestManager(driver, clock)

	if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}

	driver.loggedIn = false
	mgr.Invalidate("betburger")

	if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
		t.Fatalf("ensure after invalidate: %v", err)
	}
	if driver.logins != 2 {
		t.Fatalf("invalidate should force a fresh login, got %d logins", driver.logins)
	}
}

func TestInvalidateDuringEnsureSessionIsSafe(t *testing.T) {
	driver := newLoginDriver("correct")
	clock := &instantClock{now: time.Unix(1000, 0)}
	mgr := newTestManager(driver, clock)

	if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	// Two filters of one site can both see a logged-out page in the same
	// cycle: one goroutine invalidates while another re-ensures. Run
	// under -race to verify session state is never mutated unsynchronized.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			mgr.Invalidate("betburger")
		}()
		go func() {
			defer wg.Done()
			if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
				t.Errorf("concurrent ensure: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, err := mgr.EnsureSession(context.Background(), "betburger")
	if err != nil {
		t.Fatalf("final ensure: %v", err)
	}
	if sess.Status != StatusActive {
		t.Fatalf("expected active session, got %s", sess.Status)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	driver := newLoginDriver("other-password")
	clock := &instantClock{now: time.Unix(1000, 0)}
	mgr := newTestManager(driver, clock)

	_, err := mgr.EnsureSession(context.Background(), "betburger")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Reason != ReasonInvalidCredentials {
		t.Fatalf("expected invalid_credentials, got %s", authErr.Reason)
	}
	if authErr.Site != "betburger" {
		t.Fatalf("wrong site: %s", authErr.Site)
	}
}

func TestEnsureSessionUnknownSite(t *testing.T) {
	driver := newLoginDriver("correct")
	mgr := newTestManager(driver, &instantClock{now: time.Unix(1000, 0)})

	if _, err := mgr.EnsureSession(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown site")
	}
}

func TestApplySessionInjectsCookies(t *testing.T) {
	driver := newLoginDriver("correct")
	clock := &instantClock{now: time.Unix(1000, 0)}
	mgr := newTestManager(driver, clock)

	if _, err := mgr.EnsureSession(context.Background(), "betburger"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := mgr.ApplySession(context.Background(), "tab-9", "betburger"); err != nil {
		t.Fatalf("apply session: %v", err)
	}
	injected := driver.setCookies["tab-9"]
	if len(injected) != 1 || injected[0].Name != "session" {
		t.Fatalf("cookies not injected: %+v", injected)
	}
}
