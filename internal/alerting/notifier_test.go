package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-alerts/internal/extract"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), "-100123", "hello"); err != nil {
		t.Fatalf("Send should succeed: %v", err)
	}

	if received["chat_id"] != "-100123" {
		t.Fatalf("wrong chat_id: %#v", received)
	}
	if received["text"] != "hello" {
		t.Fatalf("wrong text: %#v", received)
	}
}

func TestTelegramNotifierNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), "chat", "hello"); err == nil {
		t.Fatal("ok=false should be an error")
	}
}

func TestTelegramNotifierHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", srv.URL, time.Second, testLogger())
	if err := notifier.Send(context.Background(), "chat", "hello"); err == nil {
		t.Fatal("429 should be an error")
	}
}

func TestRenderAlert(t *testing.T) {
	rec := extract.AlertRecord{
		SourceSite: "betburger",
		Sport:      "football",
		Event:      "Alpha vs Beta",
		Market:     "1x2",
		BookmakerA: "Pinnacle",
		OddsA:      decimal.RequireFromString("2.04"),
		BookmakerB: "Bet365",
		OddsB:      decimal.RequireFromString("2.10"),
		ProfitPct:  decimal.RequireFromString("3.4"),
		Link:       "https://example.com/arb/1",
	}

	text := RenderAlert(rec)
	for _, want := range []string{"[betburger] 3.40% ROI", "football • 1x2", "Alpha vs Beta", "Pinnacle 2.04 | Bet365 2.10", "https://example.com/arb/1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message should contain %q, got:\n%s", want, text)
		}
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
