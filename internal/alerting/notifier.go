// Package alerting delivers rendered alert messages to channels. The
// only production transport is the Telegram Bot API; the Notifier
// interface exists so dispatch can be tested without the network.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"arb-alerts/internal/extract"
)

// Notifier sends one text message to one channel.
type Notifier interface {
	Send(ctx context.Context, channelID, text string) error
}

// TelegramNotifier pushes messages through the Telegram Bot API. The
// channel id is the Telegram chat id, passed per call so one bot can
// serve every configured channel.
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs the Telegram transport.
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Send calls the sendMessage API for the given chat.
func (n *TelegramNotifier) Send(ctx context.Context, channelID, text string) error {
	payload := map[string]string{
		"chat_id": channelID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("channel", channelID).Msg("alert sent (Telegram)")
	return nil
}

// RenderAlert formats one alert record as the channel message.
func RenderAlert(rec extract.AlertRecord) string {
	builder := strings.Builder{}

	header := fmt.Sprintf("[%s] %s%% ROI", rec.SourceSite, rec.ProfitPct.StringFixed(2))
	var tags []string
	if rec.Sport != "" {
		tags = append(tags, rec.Sport)
	}
	if rec.Market != "" {
		tags = append(tags, rec.Market)
	}
	if len(tags) > 0 {
		header += " - " + strings.Join(tags, " • ")
	}
	builder.WriteString(header + "\n")

	if rec.Event != "" {
		builder.WriteString(rec.Event + "\n")
	}
	builder.WriteString(fmt.Sprintf("%s %s | %s %s\n",
		rec.BookmakerA, rec.OddsA.StringFixed(2),
		rec.BookmakerB, rec.OddsB.StringFixed(2)))
	if !rec.EventStart.IsZero() {
		builder.WriteString(fmt.Sprintf("Starts: %s UTC\n", rec.EventStart.UTC().Format("2006-01-02 15:04")))
	}
	if rec.Link != "" {
		builder.WriteString(rec.Link + "\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
