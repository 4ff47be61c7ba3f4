package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	logx "letterbox/pkg/logx"
)

// Message is one rendered mail.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Transport delivers rendered mail.
type Transport interface {
	Send(ctx context.Context, m Message) error
}

// SMTPTransport sends through an SMTP relay. Port 465 uses implicit TLS,
// other ports upgrade with STARTTLS when the server offers it. gomail builds
// the message; the session runs on a connection whose deadline is the
// earlier of ctx and the configured timeout, so Send always returns the
// relay's verdict and never leaves a send running behind it.
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	from     string
	fromName string
	timeout  time.Duration
	tls      *tls.Config
}

const defaultSMTPTimeout = time.Minute

func NewSMTPTransport(cfg Config) (*SMTPTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp: host required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp: from required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 465
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	return &SMTPTransport{
		host:     cfg.Host,
		port:     port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		fromName: cfg.FromName,
		timeout:  timeout,
		tls:      &tls.Config{ServerName: cfg.Host},
	}, nil
}

func (t *SMTPTransport) message(m Message) *gomail.Message {
	gm := gomail.NewMessage()
	if t.fromName != "" {
		gm.SetHeader("From", gm.FormatAddress(t.from, t.fromName))
	} else {
		gm.SetHeader("From", t.from)
	}
	if m.ToName != "" {
		gm.SetHeader("To", gm.FormatAddress(m.To, m.ToName))
	} else {
		gm.SetHeader("To", m.To)
	}
	gm.SetHeader("Subject", m.Subject)
	switch {
	case m.Text != "" && m.HTML != "":
		gm.SetBody("text/plain", m.Text)
		gm.AddAlternative("text/html", m.HTML)
	case m.HTML != "":
		gm.SetBody("text/html", m.HTML)
	default:
		gm.SetBody("text/plain", m.Text)
	}
	return gm
}

// Send runs one SMTP session for m and returns once the relay accepted or
// rejected it, or the deadline closed the connection.
func (t *SMTPTransport) Send(ctx context.Context, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("smtp dial %s:%d: %w", t.host, t.port, err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// cancellation interrupts blocked reads and writes
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := t.session(conn, t.message(m)); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%w)", err, ctx.Err())
		}
		return fmt.Errorf("smtp send to %s: %w", m.To, err)
	}
	return nil
}

func (t *SMTPTransport) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	if t.port == 465 {
		d := &tls.Dialer{Config: t.tls}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (t *SMTPTransport) session(conn net.Conn, gm *gomail.Message) error {
	c, err := smtp.NewClient(conn, t.host)
	if err != nil {
		return err
	}
	defer c.Close()

	if t.port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(t.tls); err != nil {
				return err
			}
		}
	}
	if t.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", t.username, t.password, t.host)); err != nil {
				return err
			}
		}
	}

	send := gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		if err := c.Mail(from); err != nil {
			return err
		}
		for _, addr := range to {
			if err := c.Rcpt(addr); err != nil {
				return err
			}
		}
		w, err := c.Data()
		if err != nil {
			return err
		}
		if _, err := msg.WriteTo(w); err != nil {
			_ = w.Close()
			return err
		}
		// Close waits for the relay's reply to the end of data.
		return w.Close()
	})
	if err := gomail.Send(send, gm); err != nil {
		return err
	}
	return c.Quit()
}

// LogTransport writes mail to the log instead of sending it.
type LogTransport struct {
	log logx.Logger
}

func NewLogTransport(log logx.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info("mail.logged",
		logx.Email("to", m.To),
		logx.String("subject", m.Subject),
		logx.Int("html_bytes", len(m.HTML)),
	)
	return nil
}
