// Package notify delivers triggered alerts to configured channels.
// Channel configs live encrypted in storage; they are decrypted per send
// and never cached.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/security"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// Channel kinds.
const (
	KindWebhook  = "webhook"
	KindTelegram = "telegram"
)

// DefaultSendTimeout bounds one delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// Sender delivers one message through a channel of its kind. config is
// the decrypted channel config.
type Sender interface {
	Send(ctx context.Context, config json.RawMessage, subject, body string) error
}

// Manager owns the channel registry: encryption at rest, kind dispatch
// and fan-out. One failing channel never blocks the others.
type Manager struct {
	store   *storage.Store
	box     *security.SecretBox
	senders map[string]Sender
	timeout time.Duration
}

// NewManager wires a manager with the built-in webhook and telegram
// senders sharing one HTTP client.
func NewManager(store *storage.Store, box *security.SecretBox) *Manager {
	client := &http.Client{Timeout: DefaultSendTimeout}
	m := &Manager{
		store:   store,
		box:     box,
		senders: make(map[string]Sender),
		timeout: DefaultSendTimeout,
	}
	m.Register(KindWebhook, &WebhookSender{Client: client})
	m.Register(KindTelegram, &TelegramSender{Client: client})
	return m
}

// Register installs a sender for a channel kind, replacing any previous
// one.
func (m *Manager) Register(kind string, s Sender) {
	m.senders[kind] = s
}

// CreateChannel encrypts the config and persists the channel.
func (m *Manager) CreateChannel(ch *types.NotificationChannel) error {
	if _, ok := m.senders[ch.Kind]; !ok {
		return fmt.Errorf("unknown channel kind %q: %w", ch.Kind, types.ErrInvalidInput)
	}
	if len(ch.Config) == 0 {
		return fmt.Errorf("channel config required: %w", types.ErrInvalidInput)
	}
	enc, err := m.box.Encrypt(ch.Config)
	if err != nil {
		return err
	}
	return m.store.CreateChannel(ch, enc)
}

// UpdateChannel re-encrypts and replaces the channel. An empty config
// keeps the stored one.
func (m *Manager) UpdateChannel(ch *types.NotificationChannel) error {
	if _, ok := m.senders[ch.Kind]; !ok {
		return fmt.Errorf("unknown channel kind %q: %w", ch.Kind, types.ErrInvalidInput)
	}
	var enc []byte
	if len(ch.Config) > 0 {
		var err error
		enc, err = m.box.Encrypt(ch.Config)
		if err != nil {
			return err
		}
	} else {
		_, existing, err := m.store.GetChannel(ch.ID)
		if err != nil {
			return err
		}
		enc = existing
	}
	return m.store.UpdateChannel(ch, enc)
}

// Dispatch fans one message out to every channel. Failures are isolated
// per channel and collected into one error.
func (m *Manager) Dispatch(channelIDs []int64, subject, body string) error {
	var errs *multierror.Error
	for _, id := range channelIDs {
		if err := m.sendTo(id, subject, body); err != nil {
			log.WithComponent("notify").Warn().Err(err).Int64("channel_id", id).Msg("delivery failed")
			errs = multierror.Append(errs, fmt.Errorf("channel %d: %w", id, err))
		}
	}
	return errs.ErrorOrNil()
}

func (m *Manager) sendTo(channelID int64, subject, body string) error {
	ch, enc, err := m.store.GetChannel(channelID)
	if err != nil {
		return err
	}
	sender, ok := m.senders[ch.Kind]
	if !ok {
		return fmt.Errorf("unknown channel kind %q", ch.Kind)
	}
	config, err := m.box.Decrypt(enc)
	if err != nil {
		return fmt.Errorf("config decrypt: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return sender.Send(ctx, config, subject, body)
}

// WebhookConfig is the decrypted config of a webhook channel.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookSender POSTs the alert as JSON to the configured URL. Any
// non-2xx response counts as a failure.
type WebhookSender struct {
	Client *http.Client
}

func (s *WebhookSender) Send(ctx context.Context, config json.RawMessage, subject, body string) error {
	var cfg WebhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook config missing url")
	}

	payload, err := json.Marshal(map[string]string{
		"subject":   subject,
		"message":   body,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// TelegramConfig is the decrypted config of a telegram channel.
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

// TelegramSender delivers through the Telegram bot API.
type TelegramSender struct {
	Client *http.Client
	// BaseURL overrides the API host, used by tests.
	BaseURL string
}

func (s *TelegramSender) Send(ctx context.Context, config json.RawMessage, subject, body string) error {
	var cfg TelegramConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("telegram config: %w", err)
	}
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return fmt.Errorf("telegram config missing bot_token or chat_id")
	}

	base := s.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": cfg.ChatID,
		"text":    subject + "\n\n" + body,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned %s", resp.Status)
	}
	return nil
}
