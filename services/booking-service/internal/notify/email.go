package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
)

const reminderSubject = "Appointment reminder"

// SMTPSender sends plain-text email via unauthenticated SMTP (Mailpit-compatible).
type SMTPSender struct {
	addr     string
	from     string
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(host string, port string, from string) *SMTPSender {
	from = strings.TrimSpace(from)
	if from == "" {
		from = "no-reply@slotbook.local"
	}
	return &SMTPSender{
		addr:     net.JoinHostPort(strings.TrimSpace(host), strings.TrimSpace(port)),
		from:     from,
		sendMail: smtp.SendMail,
	}
}

func (s *SMTPSender) ProviderID() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, to string, message string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err.Error())
	}
	msg := buildMessage(s.from, to, reminderSubject, message)
	if err := s.sendMail(s.addr, nil, s.from, []string{to}, []byte(msg)); err != nil {
		return Failed("smtp: " + err.Error())
	}
	return Sent("")
}

func buildMessage(from, to, subject, body string) string {
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		to,
		subject,
		body,
	)
}
