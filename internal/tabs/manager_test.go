package tabs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"arb-alerts/internal/browser"
	"arb-alerts/internal/config"
)

type fakeDriver struct {
	opened  int
	closed  int
	live    map[browser.TabHandle]bool
	openErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{live: make(map[browser.TabHandle]bool)}
}

func (d *fakeDriver) OpenTab(context.Context, string) (browser.TabHandle, error) {
	if d.openErr != nil {
		return "", d.openErr
	}
	d.opened++
	h := browser.TabHandle(fmt.Sprintf("tab-%d", d.opened))
	d.live[h] = true
	return h, nil
}

func (d *fakeDriver) CloseTab(_ context.Context, h browser.TabHandle) error {
	if !d.live[h] {
		return browser.ErrTabClosed
	}
	delete(d.live, h)
	d.closed++
	return nil
}

func (d *fakeDriver) Navigate(context.Context, browser.TabHandle, string) error { return nil }
func (d *fakeDriver) ReadText(context.Context, browser.TabHandle, string) (browser.Text, error) {
	return browser.Absent(), nil
}
func (d *fakeDriver) PageHTML(context.Context, browser.TabHandle) (string, error) { return "", nil }
func (d *fakeDriver) CurrentURL(context.Context, browser.TabHandle) (string, error) {
	return "", nil
}
func (d *fakeDriver) Click(context.Context, browser.TabHandle, string) error { return nil }
func (d *fakeDriver) Fill(context.Context, browser.TabHandle, string, string) error {
	return nil
}
func (d *fakeDriver) Cookies(context.Context, browser.TabHandle) ([]browser.Cookie, error) {
	return nil, nil
}
func (d *fakeDriver) SetCookies(context.Context, browser.TabHandle, []browser.Cookie) error {
	return nil
}
func (d *fakeDriver) Close() error { return nil }

var _ browser.Driver = (*fakeDriver)(nil)

func testFilters() []config.FilterConfig {
	return []config.FilterConfig{
		{ID: "f1", Site: "betburger", URL: "https://example.com/f1"},
		{ID: "f2", Site: "betburger", URL: "https://example.com/f2"},
		{ID: "f3", Site: "betburger", URL: "https://example.com/f3"},
		{ID: "g1", Site: "surebet", URL: "https://example.com/g1"},
	}
}

func TestAcquireIsIdempotentPerFilter(t *testing.T) {
	driver := newFakeDriver()
	mgr := NewManager(driver, nil, testFilters(), 4, zerolog.Nop())

	first, err := mgr.Acquire(context.Background(), "f1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first.State != StateReady || first.Handle == "" {
		t.Fatalf("slot not ready: %+v", first)
	}

	second, err := mgr.Acquire(context.Background(), "f1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second.ID != first.ID || second.Handle != first.Handle {
		t.Fatalf("acquire opened a second tab for the same filter: %+v vs %+v", first, second)
	}
	if driver.opened != 1 {
		t.Fatalf("expected 1 open tab, driver opened %d", driver.opened)
	}
}

func TestAcquireEnforcesPerSiteCap(t *testing.T) {
	driver := newFakeDriver()
	mgr := NewManager(driver, nil, testFilters(), 2, zerolog.Nop())

	for _, id := range []string{"f1", "f2"} {
		if _, err := mgr.Acquire(context.Background(), id); err != nil {
			t.Fatalf("acquire %s: %v", id, err)
		}
	}

	_, err := mgr.Acquire(context.Background(), "f3")
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capErr.Site != "betburger" || capErr.Limit != 2 {
		t.Fatalf("wrong capacity error: %+v", capErr)
	}

	// Another site is unaffected by betburger's cap.
	if _, err := mgr.Acquire(context.Background(), "g1"); err != nil {
		t.Fatalf("other site should still acquire: %v", err)
	}

	// Existing tabs stayed open: the cap never evicts.
	if driver.closed != 0 {
		t.Fatalf("capacity overflow closed %d tabs", driver.closed)
	}
}

func TestRecycleKeepsSlotIdentity(t *testing.T) {
	driver := newFakeDriver()
	mgr := NewManager(driver, nil, testFilters(), 4, zerolog.Nop())

	slot, err := mgr.Acquire(context.Background(), "f1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	recycled, err := mgr.Recycle(context.Background(), slot.ID)
	if err != nil {
		t.Fatalf("recycle: %v", err)
	}
	if recycled.ID != slot.ID {
		t.Fatal("recycle must keep the slot id")
	}
	if recycled.Handle == slot.Handle {
		t.Fatal("recycle must produce a fresh tab handle")
	}
	if recycled.State != StateReady {
		t.Fatalf("recycled slot not ready: %+v", recycled)
	}
	if driver.closed != 1 || driver.opened != 2 {
		t.Fatalf("expected close+reopen, got closed=%d opened=%d", driver.closed, driver.opened)
	}
}

func TestReleaseForgetsSlot(t *testing.T) {
	driver := newFakeDriver()
	mgr := NewManager(driver, nil, testFilters(), 4, zerolog.Nop())

	slot, err := mgr.Acquire(context.Background(), "f1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := mgr.Release(context.Background(), slot.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := mgr.Get(slot.ID); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}

	// The filter can be re-acquired with a brand new slot.
	again, err := mgr.Acquire(context.Background(), "f1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if again.ID == slot.ID {
		t.Fatal("released slot id should not be reused")
	}
}

func TestMarkDegradedAndListActive(t *testing.T) {
	driver := newFakeDriver()
	mgr := NewManager(driver, nil, testFilters(), 4, zerolog.Nop())

	slot, err := mgr.Acquire(context.Background(), "f1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := mgr.Acquire(context.Background(), "f2"); err != nil {
		t.Fatalf("acquire f2: %v", err)
	}

	mgr.MarkDegraded(slot.ID)
	got, err := mgr.Get(slot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDegraded {
		t.Fatalf("expected degraded, got %s", got.State)
	}

	active := mgr.ListActive()
	if len(active) != 2 {
		t.Fatalf("expected 2 active slots, got %d", len(active))
	}

	mgr.ReleaseAll(context.Background())
	if len(mgr.ListActive()) != 0 {
		t.Fatal("expected no active slots after ReleaseAll")
	}
	if len(driver.live) != 0 {
		t.Fatalf("tabs leaked: %d still live", len(driver.live))
	}
}

func TestWithSlotSnapshotsLiveSlot(t *testing.T) {
	driver := newFakeDriver()
	mgr := NewManager(driver, nil, testFilters(), 4, zerolog.Nop())

	slot, err := mgr.Acquire(context.Background(), "f1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var seen Slot
	if err := mgr.WithSlot(slot.ID, func(s Slot) error {
		seen = s
		return nil
	}); err != nil {
		t.Fatalf("with slot: %v", err)
	}
	if seen.Handle != slot.Handle || seen.State != StateReady {
		t.Fatalf("callback saw a stale slot: %+v", seen)
	}

	if err := mgr.Release(context.Background(), slot.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	err = mgr.WithSlot(slot.ID, func(Slot) error { return nil })
	if !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot for a released slot, got %v", err)
	}
}

func TestAcquireFailureLeavesNoSlot(t *testing.T) {
	driver := newFakeDriver()
	driver.openErr = errors.New("browser down")
	mgr := NewManager(driver, nil, testFilters(), 4, zerolog.Nop())

	if _, err := mgr.Acquire(context.Background(), "f1"); err == nil {
		t.Fatal("expected open failure")
	}

	// The failed filter can be retried once the browser recovers.
	driver.openErr = nil
	if _, err := mgr.Acquire(context.Background(), "f1"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}
