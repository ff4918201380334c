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
)

// TelegramOptions configure the Telegram channel.
type TelegramOptions struct {
	BotToken string
	ChatID   string
	APIBase  string
	Subject  string
	Timeout  time.Duration
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	opts   TelegramOptions
	client *http.Client
	logger zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier for one chat.
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.telegram.org"
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}

	return &TelegramNotifier{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered alert.
func (n *TelegramNotifier) Notify(ctx context.Context, event AlertEvent) error {
	payload := map[string]string{
		"chat_id": n.opts.ChatID,
		"text":    "[" + n.opts.Subject + "]\n" + RenderMessage(event),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal telegram payload: %v", ErrDeliveryFailed, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.opts.APIBase, n.opts.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create telegram request: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send telegram request: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: telegram status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("%w: telegram returned ok=false: %s", ErrDeliveryFailed, result.Description)
	}

	n.logger.Info().Str("pair", event.PairKey).
		Str("direction", event.Direction()).
		Str("change", FormatChange(event.ChangeFraction)).
		Msg("alert sent (telegram)")
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
