package distribution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Message is one multipart mail to a recipient group.
type Message struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SMTPConfig holds the relay settings. Port 465 or UseSSL selects implicit
// TLS. Any other port uses mandatory STARTTLS, falling back to a plain
// session when the relay answers that the connection already uses TLS.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseSSL   bool
	Timeout  time.Duration
}

// ImplicitTLS reports whether the connection starts in TLS.
func (c SMTPConfig) ImplicitTLS() bool {
	return c.UseSSL || c.Port == 465
}

// dialFunc opens a session with the given STARTTLS policy and sends msg.
type dialFunc func(ctx context.Context, policy mail.TLSPolicy, msg *mail.Msg) error

// SMTPSender sends through an SMTP relay with go-mail.
type SMTPSender struct {
	cfg    SMTPConfig
	dial   dialFunc
	logger *zap.Logger
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp sender address is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &SMTPSender{cfg: cfg, logger: logger.Named("smtp")}
	s.dial = s.dialAndSend
	return s, nil
}

func (s *SMTPSender) dialAndSend(ctx context.Context, policy mail.TLSPolicy, msg *mail.Msg) error {
	client, err := mail.NewClient(s.cfg.Host, s.options(policy)...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func (s *SMTPSender) options(policy mail.TLSPolicy) []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.ImplicitTLS() {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(policy))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

// BuildMessage assembles the multipart plain and HTML message.
func BuildMessage(from string, m Message) (*mail.Msg, error) {
	if len(m.To) == 0 {
		return nil, errors.New("no recipients")
	}
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("sender address: %w", err)
	}
	if err := msg.To(m.To...); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	if m.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	}
	return msg, nil
}

// alreadyTLS matches the relay reply to a STARTTLS on a TLS connection.
func alreadyTLS(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already using tls")
}

func (s *SMTPSender) Send(ctx context.Context, m Message) error {
	msg, err := BuildMessage(s.cfg.From, m)
	if err != nil {
		return err
	}
	err = s.dial(ctx, mail.TLSMandatory, msg)
	if alreadyTLS(err) && !s.cfg.ImplicitTLS() {
		s.logger.Warn("relay already uses TLS, retrying without STARTTLS",
			zap.String("host", s.cfg.Host), zap.Int("port", s.cfg.Port))
		err = s.dial(ctx, mail.NoTLS, msg)
	}
	if err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Info("mail sent",
		zap.String("host", s.cfg.Host),
		zap.Int("port", s.cfg.Port),
		zap.Bool("implicit_tls", s.cfg.ImplicitTLS()),
		zap.Int("recipients", len(m.To)))
	return nil
}
