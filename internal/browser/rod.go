package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configure the rod-backed driver.
type Options struct {
	// RemoteURL is the websocket URL of an external Chrome instance.
	// Empty launches a local browser.
	RemoteURL  string
	Headless   bool
	Stealth    bool
	NavTimeout time.Duration
	ProxyURL   string
}

// RodDriver implements Driver on top of go-rod. Pages are kept behind
// opaque handles; every exported method resolves the handle under the
// lock and fails with ErrTabClosed once a tab is gone.
type RodDriver struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	opts    Options
	logger  zerolog.Logger

	mu    sync.Mutex
	pages map[TabHandle]*rod.Page
}

// NewRod launches (or connects to) a browser and returns the driver.
func NewRod(opts Options, logger zerolog.Logger) (*RodDriver, error) {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}

	d := &RodDriver{
		opts:   opts,
		logger: logger.With().Str("component", "browser").Logger(),
		pages:  make(map[TabHandle]*rod.Page),
	}

	controlURL := opts.RemoteURL
	if controlURL == "" {
		l := launcher.New().Headless(opts.Headless)
		if opts.ProxyURL != "" {
			l = l.Proxy(opts.ProxyURL)
		}
		launched, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		d.lnch = l
		controlURL = launched
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	d.browser = b

	d.logger.Info().Bool("headless", opts.Headless).Bool("stealth", opts.Stealth).
		Bool("remote", opts.RemoteURL != "").Msg("browser ready")
	return d, nil
}

// OpenTab creates a tab and navigates it to url.
func (d *RodDriver) OpenTab(ctx context.Context, url string) (TabHandle, error) {
	var page *rod.Page
	var err error
	if d.opts.Stealth {
		page, err = stealth.Page(d.browser)
	} else {
		page, err = d.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return "", fmt.Errorf("create tab: %w", err)
	}

	handle := TabHandle(uuid.NewString())
	d.mu.Lock()
	d.pages[handle] = page
	d.mu.Unlock()

	if err := d.Navigate(ctx, handle, url); err != nil {
		_ = d.CloseTab(context.Background(), handle)
		return "", err
	}

	d.logger.Debug().Str("handle", string(handle)).Str("url", url).Msg("tab opened")
	return handle, nil
}

// CloseTab closes the tab and forgets the handle.
func (d *RodDriver) CloseTab(_ context.Context, h TabHandle) error {
	d.mu.Lock()
	page, ok := d.pages[h]
	delete(d.pages, h)
	d.mu.Unlock()
	if !ok {
		return ErrTabClosed
	}
	if err := page.Close(); err != nil {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

// Navigate points the tab at url and waits for the load event.
func (d *RodDriver) Navigate(ctx context.Context, h TabHandle, url string) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}

	navCtx, cancel := d.bound(ctx)
	defer cancel()

	p := page.Context(navCtx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		// Pages with endless background activity never settle; a load
		// timeout is not fatal for content reads.
		d.logger.Warn().Str("url", url).Err(err).Msg("wait load timed out")
	}
	return nil
}

// ReadText returns the text of the first selector match, absent when
// nothing matches.
func (d *RodDriver) ReadText(ctx context.Context, h TabHandle, selector string) (Text, error) {
	page, err := d.page(h)
	if err != nil {
		return Absent(), err
	}

	opCtx, cancel := d.bound(ctx)
	defer cancel()

	el, err := page.Context(opCtx).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		if errors.Is(err, &rod.ElementNotFoundError{}) {
			return Absent(), nil
		}
		return Absent(), fmt.Errorf("query %q: %w", selector, err)
	}

	text, err := el.Text()
	if err != nil {
		return Absent(), fmt.Errorf("read %q: %w", selector, err)
	}
	return Present(text), nil
}

// PageHTML serialises the current DOM.
func (d *RodDriver) PageHTML(ctx context.Context, h TabHandle) (string, error) {
	page, err := d.page(h)
	if err != nil {
		return "", err
	}
	opCtx, cancel := d.bound(ctx)
	defer cancel()

	html, err := page.Context(opCtx).HTML()
	if err != nil {
		return "", fmt.Errorf("page html: %w", err)
	}
	return html, nil
}

// CurrentURL returns the tab's location.
func (d *RodDriver) CurrentURL(ctx context.Context, h TabHandle) (string, error) {
	page, err := d.page(h)
	if err != nil {
		return "", err
	}
	opCtx, cancel := d.bound(ctx)
	defer cancel()

	info, err := page.Context(opCtx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// Click clicks the first selector match.
func (d *RodDriver) Click(ctx context.Context, h TabHandle, selector string) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}
	opCtx, cancel := d.bound(ctx)
	defer cancel()

	el, err := page.Context(opCtx).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		return fmt.Errorf("query %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// Fill clears the first selector match and types the value.
func (d *RodDriver) Fill(ctx context.Context, h TabHandle, selector, value string) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}
	opCtx, cancel := d.bound(ctx)
	defer cancel()

	el, err := page.Context(opCtx).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		return fmt.Errorf("query %q: %w", selector, err)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("fill %q: %w", selector, err)
	}
	return nil
}

// Cookies returns the cookies visible to the tab.
func (d *RodDriver) Cookies(ctx context.Context, h TabHandle) ([]Cookie, error) {
	page, err := d.page(h)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := d.bound(ctx)
	defer cancel()

	raw, err := page.Context(opCtx).Cookies(nil)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  time.Unix(int64(c.Expires), 0),
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return cookies, nil
}

// SetCookies injects cookies into the tab's browser context.
func (d *RodDriver) SetCookies(ctx context.Context, h TabHandle, cookies []Cookie) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}
	opCtx, cancel := d.bound(ctx)
	defer cancel()

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Expires.IsZero() {
			param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		params = append(params, param)
	}

	if err := page.Context(opCtx).SetCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// Close closes every tab and shuts the browser down.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	pages := d.pages
	d.pages = make(map[TabHandle]*rod.Page)
	d.mu.Unlock()

	for _, page := range pages {
		_ = page.Close()
	}

	var err error
	if d.browser != nil {
		err = d.browser.Close()
	}
	if d.lnch != nil {
		d.lnch.Cleanup()
	}
	return err
}

func (d *RodDriver) page(h TabHandle) (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	page, ok := d.pages[h]
	if !ok {
		return nil, ErrTabClosed
	}
	return page, nil
}

func (d *RodDriver) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.opts.NavTimeout)
}

var _ Driver = (*RodDriver)(nil)
