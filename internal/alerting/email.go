package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// EmailOptions carry only what the SMTP transport needs.
type EmailOptions struct {
	Host      string
	Port      int
	Username  string
	Password  string
	Sender    string
	Recipient string
	Subject   string
	Timeout   time.Duration
}

// EmailNotifier sends alerts over SMTP with mandatory STARTTLS.
type EmailNotifier struct {
	opts   EmailOptions
	logger zerolog.Logger
}

// NewEmailNotifier constructs an SMTP notifier.
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) *EmailNotifier {
	if opts.Port <= 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Subject == "" {
		opts.Subject = DefaultSubject
	}
	return &EmailNotifier{
		opts:   opts,
		logger: logger.With().Str("component", "alert_email").Logger(),
	}
}

// Notify opens a fresh SMTP session, sends one message and closes it.
func (n *EmailNotifier) Notify(ctx context.Context, event AlertEvent) error {
	msg, err := n.buildMessage(event)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(n.opts.Host,
		mail.WithPort(n.opts.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(n.opts.Username),
		mail.WithPassword(n.opts.Password),
		mail.WithTimeout(n.opts.Timeout),
	)
	if err != nil {
		return fmt.Errorf("%w: smtp client: %v", ErrDeliveryFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("%w: send to %s via %s:%d: %v", ErrDeliveryFailed, n.opts.Recipient, n.opts.Host, n.opts.Port, err)
	}

	n.logger.Info().
		Str("pair", event.PairKey).
		Str("change", FormatChange(event.ChangeFraction)).
		Str("recipient", n.opts.Recipient).
		Msg("alert sent (email)")
	return nil
}

func (n *EmailNotifier) buildMessage(event AlertEvent) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.opts.Sender); err != nil {
		return nil, fmt.Errorf("%w: sender address: %v", ErrDeliveryFailed, err)
	}
	if err := msg.To(n.opts.Recipient); err != nil {
		return nil, fmt.Errorf("%w: recipient address: %v", ErrDeliveryFailed, err)
	}
	msg.Subject(n.opts.Subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, RenderMessage(event))
	return msg, nil
}

var _ Notifier = (*EmailNotifier)(nil)
