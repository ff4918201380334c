package alerting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrDeliveryFailed covers authentication, connection and timeout failures
// while handing an alert to its transport.
var ErrDeliveryFailed = errors.New("alert delivery failed")

// DefaultSubject is used when no subject is configured.
const DefaultSubject = "Balance Alert"

// AlertEvent describes a balance swing that crossed the threshold.
type AlertEvent struct {
	PairKey         string
	Exchange        string
	Asset           string
	PreviousBalance float64
	CurrentBalance  float64
	ChangeFraction  float64
	Threshold       float64
	Timestamp       time.Time
}

// Direction classifies the swing.
func (e AlertEvent) Direction() string {
	switch {
	case e.ChangeFraction > 0:
		return "up"
	case e.ChangeFraction < 0:
		return "down"
	default:
		return "flat"
	}
}

// Notifier delivers one alert. Implementations keep no state between calls.
type Notifier interface {
	Notify(ctx context.Context, event AlertEvent) error
}

// ShouldAlert is the alert rule: the swing must reach the threshold.
func ShouldAlert(change, threshold float64) bool {
	return math.Abs(change) >= threshold
}

// FormatChange renders a fraction as a signed percentage, e.g. 0.2345 -> "+23.45%".
func FormatChange(change float64) string {
	pct := decimal.NewFromFloat(change).Shift(2).StringFixed(2)
	if !strings.HasPrefix(pct, "-") {
		pct = "+" + pct
	}
	return pct + "%"
}

func formatBalance(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// RenderMessage builds the plain-text alert body.
func RenderMessage(event AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The balance for %s on %s has changed by %s.\n\n", event.Asset, event.Exchange, FormatChange(event.ChangeFraction))
	fmt.Fprintf(&b, "Pair: %s\n", event.PairKey)
	fmt.Fprintf(&b, "Previous balance: %s\n", formatBalance(event.PreviousBalance))
	fmt.Fprintf(&b, "Current balance: %s\n", formatBalance(event.CurrentBalance))
	fmt.Fprintf(&b, "Direction: %s\n", event.Direction())
	if event.Threshold > 0 {
		fmt.Fprintf(&b, "Threshold: %s\n", strings.TrimPrefix(FormatChange(event.Threshold), "+"))
	}
	fmt.Fprintf(&b, "Observed: %s UTC\n", event.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

// LogNotifier only logs alerts. It backs the "log" channel.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a notifier that writes alerts to the log.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert at warn level.
func (n *LogNotifier) Notify(_ context.Context, event AlertEvent) error {
	n.logger.Warn().
		Str("pair", event.PairKey).
		Str("change", FormatChange(event.ChangeFraction)).
		Float64("previous_balance", event.PreviousBalance).
		Float64("current_balance", event.CurrentBalance).
		Time("observed_at", event.Timestamp).
		Msg("balance alert")
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
