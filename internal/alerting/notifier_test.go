package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func sampleEvent() AlertEvent {
	return AlertEvent{
		PairKey:         "binance_BTC",
		Exchange:        "binance",
		Asset:           "BTC",
		PreviousBalance: 100,
		CurrentBalance:  150,
		ChangeFraction:  0.5,
		Threshold:       0.2,
		Timestamp:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFormatChange(t *testing.T) {
	cases := map[float64]string{
		0.5:     "+50.00%",
		0.2345:  "+23.45%",
		-0.1:    "-10.00%",
		-0.2:    "-20.00%",
		1.23456: "+123.46%",
		0:       "+0.00%",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatChange(in), "change %v", in)
	}
}

func TestShouldAlertInclusive(t *testing.T) {
	assert.True(t, ShouldAlert(0.5, 0.2))
	assert.True(t, ShouldAlert(-0.5, 0.2))
	assert.True(t, ShouldAlert(0.2, 0.2), "boundary must alert")
	assert.True(t, ShouldAlert(-0.2, 0.2), "negative boundary must alert")
	assert.True(t, ShouldAlert((120.0-100.0)/100.0, 0.2))
	assert.False(t, ShouldAlert(-0.1, 0.2))
	assert.False(t, ShouldAlert(0.1999, 0.2))
}

func TestRenderMessage(t *testing.T) {
	msg := RenderMessage(sampleEvent())
	assert.Contains(t, msg, "binance_BTC")
	assert.Contains(t, msg, "+50.00%")
	assert.Contains(t, msg, "The balance for BTC on binance")
	assert.Contains(t, msg, "Previous balance: 100")
	assert.Contains(t, msg, "Current balance: 150")
	assert.Contains(t, msg, "Threshold: 20.00%")
	assert.Contains(t, msg, "Direction: up")
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/bottoken/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	require.NoError(t, notifier.Notify(context.Background(), sampleEvent()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.True(t, strings.HasPrefix(received["text"], "[Balance Alert]\n"), "default subject heads the message")
	assert.Contains(t, received["text"], "+50.00%")
}

func TestTelegramNotifierUsesConfiguredSubject(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{
		BotToken: "token",
		ChatID:   "chat",
		APIBase:  srv.URL + "/",
		Subject:  "Treasury Swing",
	}, testLogger())
	require.NoError(t, notifier.Notify(context.Background(), sampleEvent()))
	assert.True(t, strings.HasPrefix(received["text"], "[Treasury Swing]\n"), "got %q", received["text"])
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	err := notifier.Notify(context.Background(), sampleEvent())
	assert.True(t, errors.Is(err, ErrDeliveryFailed), "got %v", err)
}

func TestEmailNotifierConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	notifier := NewEmailNotifier(EmailOptions{
		Host:      "127.0.0.1",
		Port:      port,
		Username:  "bot",
		Password:  "pw",
		Sender:    "bot@example.com",
		Recipient: "ops@example.com",
		Timeout:   time.Second,
	}, testLogger())

	err = notifier.Notify(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	// No session state: a second attempt fails the same way.
	err = notifier.Notify(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestEmailNotifierRejectsBadAddress(t *testing.T) {
	notifier := NewEmailNotifier(EmailOptions{
		Host:      "127.0.0.1",
		Sender:    "not an address",
		Recipient: "ops@example.com",
	}, testLogger())

	err := notifier.Notify(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestEmailMessageHeaders(t *testing.T) {
	notifier := NewEmailNotifier(EmailOptions{
		Host:      "smtp.example.com",
		Sender:    "bot@example.com",
		Recipient: "ops@example.com",
	}, testLogger())

	msg, err := notifier.buildMessage(sampleEvent())
	require.NoError(t, err)

	var buf strings.Builder
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)

	raw := buf.String()
	assert.Contains(t, raw, "Subject: Balance Alert")
	assert.Contains(t, raw, "ops@example.com")
	assert.Contains(t, raw, "+50.00%")
}

func TestLogNotifierNeverFails(t *testing.T) {
	assert.NoError(t, NewLogNotifier(testLogger()).Notify(context.Background(), sampleEvent()))
}
