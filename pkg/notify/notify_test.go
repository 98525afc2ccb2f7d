package notify

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/pkg/security"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

func newManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	box, err := security.NewSecretBoxFromPassword("test key")
	require.NoError(t, err)
	return NewManager(store, box), store
}

func TestChannelConfigEncryptedAtRest(t *testing.T) {
	m, store := newManager(t)

	config := json.RawMessage(`{"url":"https://hooks.example.com/secret-token"}`)
	ch := &types.NotificationChannel{UserID: 1, Name: "ops", Kind: KindWebhook, Config: config}
	require.NoError(t, m.CreateChannel(ch))
	require.NotZero(t, ch.ID)

	_, enc, err := store.GetChannel(ch.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(enc), "secret-token")
}

func TestCreateChannelValidation(t *testing.T) {
	m, _ := newManager(t)

	err := m.CreateChannel(&types.NotificationChannel{
		UserID: 1, Name: "x", Kind: "carrier-pigeon",
		Config: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	err = m.CreateChannel(&types.NotificationChannel{UserID: 1, Name: "x", Kind: KindWebhook})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestDispatchWebhook(t *testing.T) {
	var gotBody map[string]string
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Auth")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, _ := newManager(t)
	config, _ := json.Marshal(WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"X-Auth": "tok"},
	})
	ch := &types.NotificationChannel{UserID: 1, Name: "ops", Kind: KindWebhook, Config: config}
	require.NoError(t, m.CreateChannel(ch))

	require.NoError(t, m.Dispatch([]int64{ch.ID}, "Alert: cpu", "web-1: cpu 99"))
	assert.Equal(t, "tok", gotHeader)
	assert.Equal(t, "Alert: cpu", gotBody["subject"])
	assert.Equal(t, "web-1: cpu 99", gotBody["message"])
}

func TestDispatchTelegram(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	m, _ := newManager(t)
	m.Register(KindTelegram, &TelegramSender{Client: srv.Client(), BaseURL: srv.URL})

	config, _ := json.Marshal(TelegramConfig{BotToken: "123:abc", ChatID: "42"})
	ch := &types.NotificationChannel{UserID: 1, Name: "tg", Kind: KindTelegram, Config: config}
	require.NoError(t, m.CreateChannel(ch))

	require.NoError(t, m.Dispatch([]int64{ch.ID}, "Alert: mem", "db-1: mem 95"))
	assert.Equal(t, "/bot123:abc/sendMessage", gotPath)
	assert.Equal(t, "42", gotBody["chat_id"])
	assert.Contains(t, gotBody["text"], "Alert: mem")
	assert.Contains(t, gotBody["text"], "db-1: mem 95")
}

func TestDispatchIsolatesFailingChannels(t *testing.T) {
	var delivered int
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	m, _ := newManager(t)

	mk := func(url string) *types.NotificationChannel {
		config, _ := json.Marshal(WebhookConfig{URL: url})
		ch := &types.NotificationChannel{UserID: 1, Name: url, Kind: KindWebhook, Config: config}
		require.NoError(t, m.CreateChannel(ch))
		return ch
	}
	chBad := mk(bad.URL)
	chGood := mk(good.URL)

	err := m.Dispatch([]int64{chBad.ID, chGood.ID}, "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("channel %d", chBad.ID))
	assert.Equal(t, 1, delivered)
}

func TestDispatchUnknownChannel(t *testing.T) {
	m, _ := newManager(t)
	err := m.Dispatch([]int64{9999}, "s", "b")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateChannelKeepsConfigWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m, _ := newManager(t)
	config, _ := json.Marshal(WebhookConfig{URL: srv.URL})
	ch := &types.NotificationChannel{UserID: 1, Name: "ops", Kind: KindWebhook, Config: config}
	require.NoError(t, m.CreateChannel(ch))

	// Rename without resupplying the secret config.
	ch.Name = "ops-renamed"
	ch.Config = nil
	require.NoError(t, m.UpdateChannel(ch))

	require.NoError(t, m.Dispatch([]int64{ch.ID}, "s", "b"))
}
