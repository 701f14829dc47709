// Package notify delivers reminder messages. Senders report failures in the
// returned Result instead of an error; a failed send is never fatal to the
// caller.
package notify

import (
	"context"
	"strings"
)

type Result struct {
	OK   bool
	Note string
}

func Sent(note string) Result   { return Result{OK: true, Note: note} }
func Failed(note string) Result { return Result{Note: note} }

type Sender interface {
	Send(ctx context.Context, to string, message string) Result
	ProviderID() string
}

// Router picks the email sender for addresses and the SMS sender otherwise.
type Router struct {
	SMS   Sender
	Email Sender
}

func (r Router) ProviderID() string { return "router" }

func (r Router) Send(ctx context.Context, to string, message string) Result {
	to = strings.TrimSpace(to)
	if to == "" {
		return Failed("no recipient")
	}
	target := r.SMS
	if strings.Contains(to, "@") {
		target = r.Email
	}
	if target == nil {
		return Failed("no sender configured for " + to)
	}
	return target.Send(ctx, to, message)
}

type NoopSender struct{}

func (NoopSender) ProviderID() string { return "noop" }

func (NoopSender) Send(context.Context, string, string) Result {
	return Sent("noop")
}
