package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"dhtlogger/config"
	"dhtlogger/models"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// ErrNoRecipients is returned when no recipient source yields an address.
var ErrNoRecipients = errors.New("no alert recipients configured")

// RecipientSource yields alert email addresses.
type RecipientSource interface {
	Recipients(ctx context.Context) ([]string, error)
}

// StaticRecipients is a fixed recipient list.
type StaticRecipients []string

func (s StaticRecipients) Recipients(context.Context) ([]string, error) {
	return s, nil
}

// MailChannel sends alerts as multipart text and HTML email over STARTTLS.
type MailChannel struct {
	host       string
	port       int
	username   string
	password   string
	from       string
	timeout    time.Duration
	requireTLS bool
	sources    []RecipientSource
	clock      Clock
	logger     *zap.Logger
}

func NewMailChannel(cfg *config.Config, sources []RecipientSource, logger *zap.Logger) *MailChannel {
	return &MailChannel{
		host:       cfg.SMTPHost,
		port:       cfg.SMTPPort,
		username:   cfg.MailUsername,
		password:   cfg.MailPassword,
		from:       cfg.MailFrom,
		timeout:    cfg.SMTPTimeout,
		requireTLS: cfg.SMTPRequireTLS,
		sources:    sources,
		clock:      systemClock{},
		logger:     logger,
	}
}

func (m *MailChannel) Name() string { return "email" }

// Send delivers n to every recipient. The SMTP session is bounded by ctx
// and by the configured timeout, whichever ends first.
func (m *MailChannel) Send(ctx context.Context, n models.Notification) error {
	to, err := m.recipients(ctx)
	if err != nil {
		return err
	}

	msg, err := m.buildMessage(to, n)
	if err != nil {
		return fmt.Errorf("build email: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	client, err := m.client(sendCtx)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(sendCtx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	m.logger.Info("Alert email sent", zap.Int("recipient_count", len(to)))
	return nil
}

func (m *MailChannel) client(sendCtx context.Context) (*mail.Client, error) {
	policy := mail.TLSOpportunistic
	if m.requireTLS {
		policy = mail.TLSMandatory
	}
	opts := []mail.Option{
		mail.WithPort(m.port),
		mail.WithTimeout(m.timeout),
		mail.WithTLSPolicy(policy),
		mail.WithDialContextFunc(sessionDialer(sendCtx)),
	}
	if m.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.username),
			mail.WithPassword(m.password))
	}
	return mail.NewClient(m.host, opts...)
}

// sessionDialer ties the connection to sendCtx: its deadline becomes the
// socket deadline and cancellation closes the socket, so a server that
// never answers cannot hold the caller.
func sessionDialer(sendCtx context.Context) mail.DialContextFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if deadline, ok := sendCtx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		context.AfterFunc(sendCtx, func() { conn.Close() })
		return conn, nil
	}
}

// recipients merges every source, dropping duplicates case-insensitively.
func (m *MailChannel) recipients(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, src := range m.sources {
		list, err := src.Recipients(ctx)
		if err != nil {
			return nil, fmt.Errorf("load recipients: %w", err)
		}
		for _, addr := range list {
			addr = strings.TrimSpace(addr)
			key := strings.ToLower(addr)
			if addr == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

func (m *MailChannel) buildMessage(to []string, n models.Notification) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(to...); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	msg.Subject(n.Subject)
	msg.SetDateWithValue(m.clock.Now())

	switch {
	case n.Text != "" && n.HTML != "":
		msg.SetBodyString(mail.TypeTextPlain, n.Text)
		msg.AddAlternativeString(mail.TypeTextHTML, n.HTML)
	case n.HTML != "":
		msg.SetBodyString(mail.TypeTextHTML, n.HTML)
	default:
		msg.SetBodyString(mail.TypeTextPlain, n.Text)
	}
	return msg, nil
}
