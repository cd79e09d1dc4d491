package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"time"

	pubnub "github.com/pubnub/go"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/mailer"
)

// PubNubPush publishes queue events to per-user PubNub channels.
type PubNubPush struct {
	client *pubnub.PubNub
}

func NewPubNubPush(publishKey, subscribeKey, secretKey string) *PubNubPush {
	cfg := pubnub.NewConfig()
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	cfg.SecretKey = secretKey
	return &PubNubPush{client: pubnub.NewPubNub(cfg)}
}

func (p *PubNubPush) Publish(ctx context.Context, channel string, payload map[string]any) error {
	_, _, err := p.client.Publish().
		Channel(channel).
		Message(payload).
		Execute()
	if err != nil {
		return fmt.Errorf("pubnub publish to %s: %w", channel, err)
	}
	return nil
}

// SMSGateway posts messages to an external HTTP SMS provider. A 5xx is
// transient and retryable; a 4xx means the request itself is bad and
// retrying is pointless.
type SMSGateway struct {
	url    string
	token  string
	client *http.Client
}

func NewSMSGateway(url, token string) *SMSGateway {
	return &SMSGateway{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (g *SMSGateway) Send(ctx context.Context, to, subject, body string) error {
	if g.url == "" {
		return Permanent(errors.New("sms gateway not configured"))
	}

	payload, err := json.Marshal(smsRequest{To: to, Message: body})
	if err != nil {
		return Permanent(fmt.Errorf("marshal sms request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("build sms request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Permanent(fmt.Errorf("sms gateway rejected request: %d %s", resp.StatusCode, detail))
	}
	return nil
}

// MailerTransport sends email through the app's configured mail client.
type MailerTransport struct {
	app core.App
}

func NewMailerTransport(app core.App) *MailerTransport {
	return &MailerTransport{app: app}
}

func (m *MailerTransport) Send(ctx context.Context, to, subject, body string) error {
	if _, err := mail.ParseAddress(to); err != nil {
		return Permanent(fmt.Errorf("invalid email address %q: %w", to, err))
	}

	message := &mailer.Message{
		From: mail.Address{
			Name:    m.app.Settings().Meta.SenderName,
			Address: m.app.Settings().Meta.SenderAddress,
		},
		To:      []mail.Address{{Address: to}},
		Subject: subject,
		Text:    body,
	}

	if err := m.app.NewMailClient().Send(message); err != nil {
		return fmt.Errorf("send email to %s: %w", to, err)
	}
	return nil
}
