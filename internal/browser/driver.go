// Package browser defines the narrow capability interface the core uses
// to drive a real browser, plus the go-rod implementation. Tab handles
// are opaque ids: the core never holds a live page reference across a
// recycle, so a closed tab cannot dangle.
package browser

import (
	"context"
	"errors"
	"time"
)

// TabHandle identifies an open tab. Opaque to callers.
type TabHandle string

// ErrTabClosed is returned for operations on a handle that no longer
// maps to a live tab.
var ErrTabClosed = errors.New("browser: tab closed")

// Text is the typed result of a DOM read: either a present value or an
// explicit absence, never a raw nil/empty ambiguity.
type Text struct {
	Value   string
	Present bool
}

// Present wraps a found value.
func Present(v string) Text { return Text{Value: v, Present: true} }

// Absent reports a missing element.
func Absent() Text { return Text{} }

// Cookie is the driver-neutral session cookie representation.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
}

// Driver is the browser capability consumed by the core. All calls are
// blocking and honour the caller's context deadline.
type Driver interface {
	// OpenTab opens a new tab positioned at url and returns its handle.
	OpenTab(ctx context.Context, url string) (TabHandle, error)
	// CloseTab closes the tab. Closing an unknown handle is an error.
	CloseTab(ctx context.Context, h TabHandle) error
	// Navigate points an open tab at url and waits for load.
	Navigate(ctx context.Context, h TabHandle, url string) error
	// ReadText returns the text content of the first element matching
	// the CSS selector, or an absent Text when no element matches.
	ReadText(ctx context.Context, h TabHandle, selector string) (Text, error)
	// PageHTML returns the serialised DOM of the tab.
	PageHTML(ctx context.Context, h TabHandle) (string, error)
	// CurrentURL returns the tab's current location.
	CurrentURL(ctx context.Context, h TabHandle) (string, error)
	// Click clicks the first element matching the selector.
	Click(ctx context.Context, h TabHandle, selector string) error
	// Fill clears and types into the first element matching the selector.
	Fill(ctx context.Context, h TabHandle, selector, value string) error
	// Cookies returns the cookies visible to the tab.
	Cookies(ctx context.Context, h TabHandle) ([]Cookie, error)
	// SetCookies injects cookies into the browser for the tab's context.
	SetCookies(ctx context.Context, h TabHandle, cookies []Cookie) error
	// Close shuts the underlying browser down.
	Close() error
}
