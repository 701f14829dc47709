package notify

import (
	"context"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSender sends SMS through the Twilio Messages API.
type TwilioSender struct {
	api  messageCreator
	from string
}

func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: strings.TrimSpace(accountSID),
		Password: strings.TrimSpace(authToken),
	})
	return &TwilioSender{api: client.Api, from: strings.TrimSpace(from)}
}

func (s *TwilioSender) ProviderID() string { return "twilio" }

func (s *TwilioSender) Send(ctx context.Context, to string, message string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err.Error())
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(message)

	type outcome struct {
		resp *twilioApi.ApiV2010Message
		err  error
	}
	// The Twilio client has no context support; give up waiting when ctx ends.
	done := make(chan outcome, 1)
	go func() {
		resp, err := s.api.CreateMessage(params)
		done <- outcome{resp, err}
	}()

	select {
	case <-ctx.Done():
		return Failed("twilio: " + ctx.Err().Error())
	case out := <-done:
		if out.err != nil {
			return Failed("twilio: " + out.err.Error())
		}
		if out.resp != nil && out.resp.Sid != nil {
			return Sent(*out.resp.Sid)
		}
		return Sent("")
	}
}
