// Package mail delivers reminder emails over SMTP.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"eventd/internal/model"
	logx "eventd/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string

	// RatePerMin caps outgoing mail. 0 means 30/min.
	RatePerMin int

	// DialTimeout bounds the TCP connect. 0 means 10s.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 587
	}
	if c.RatePerMin <= 0 {
		c.RatePerMin = 30
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Sink sends one email per occurrence. Sends are rate limited; a send that
// cannot acquire a token before ctx is done fails (and the scheduler retries
// on a later pass).
type Sink struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Sink, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp.host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp.from is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("smtp.to is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin),
	}, nil
}

func (s *Sink) Notify(ctx context.Context, occ model.Occurrence) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail rate limit: %w", err)
	}

	msg := buildMessage(s.cfg.From, s.cfg.To, occ)
	if err := s.send(ctx, msg); err != nil {
		return fmt.Errorf("send reminder mail: %w", err)
	}
	s.log.Debug("reminder mail sent",
		logx.String("key", occ.Key()),
		logx.String("to", strings.Join(s.cfg.To, ",")))
	return nil
}

// buildMessage renders the RFC 5322 payload for one reminder. The title is
// flattened everywhere it appears: in the Subject it would otherwise inject
// headers, and in the body it keeps the reminder line single-line.
func buildMessage(from string, to []string, occ model.Occurrence) []byte {
	title := flatten(occ.Title)
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: Event Reminder: " + title + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString("Reminder: " + title + " at " + occ.StartTime + "\r\n")
	if occ.Description != "" {
		b.WriteString(occ.Description + "\r\n")
	}
	return []byte(b.String())
}

// flatten strips CR/LF from user input.
func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

func (s *Sink) send(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	// Port 465 is implicit TLS; everything else upgrades via STARTTLS when
	// the server offers it.
	if s.cfg.Port == 465 {
		conn = tls.Client(conn, &tls.Config{ServerName: s.cfg.Host})
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if s.cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return err
			}
		}
	}

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(s.cfg.From); err != nil {
		return err
	}
	for _, rcpt := range s.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
