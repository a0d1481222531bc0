package alert

import (
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSender records sent chattables and can fail on demand.
type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	fail bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return tgbotapi.Message{}, errors.New("telegram unavailable")
	}
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable type")
	}
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func (f *fakeSender) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func newTestNotifier(sender telegramSender, interval time.Duration) *TelegramNotifier {
	n := &TelegramNotifier{
		session:        sender,
		chatID:         42,
		bufferInterval: interval,
		logger:         zap.NewNop(),
		shutdown:       make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func TestTelegramNotifierBuffersIntoOneReport(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(sender, time.Hour) // flush only on close

	require.NoError(t, n.Send("[warning] BTCUSDT missing: stop loss absent"))
	require.NoError(t, n.Send("[warning] ETHUSDT mismatched: trigger drifted"))
	require.NoError(t, n.Close())

	sent := sender.messages()
	require.Len(t, sent, 1, "buffered messages combine into one report")
	assert.Equal(t, int64(42), sent[0].ChatID)
	assert.Contains(t, sent[0].Text, "BTCUSDT")
	assert.Contains(t, sent[0].Text, "ETHUSDT")
	assert.Contains(t, sent[0].Text, "Protection Report")
}

func TestTelegramNotifierFlushesOnInterval(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(sender, 20*time.Millisecond)
	defer n.Close()

	require.NoError(t, n.Send("[critical] BTCUSDT degraded: auth failure"))

	assert.Eventually(t, func() bool {
		return len(sender.messages()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTelegramNotifierRequeuesOnFailure(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(true)
	n := newTestNotifier(sender, 20*time.Millisecond)

	require.NoError(t, n.Send("[warning] BTCUSDT missing: stop loss absent"))
	time.Sleep(60 * time.Millisecond) // a few failed flushes

	sender.setFail(false)
	assert.Eventually(t, func() bool {
		return len(sender.messages()) == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, n.Close())

	assert.Contains(t, sender.messages()[0].Text, "BTCUSDT")
}

func TestTelegramNotifierSendAfterClose(t *testing.T) {
	n := newTestNotifier(&fakeSender{}, time.Hour)
	require.NoError(t, n.Close())
	assert.Error(t, n.Send("late"))
}

func TestNewTelegramNotifierRequiresCredentials(t *testing.T) {
	_, err := NewTelegramNotifier("", 42, time.Minute, zap.NewNop())
	assert.Error(t, err)

	_, err = NewTelegramNotifier("token", 0, time.Minute, zap.NewNop())
	assert.Error(t, err)
}

func TestFormatDrift(t *testing.T) {
	got := FormatDrift(SeverityWarning, "BTCUSDT", "missing", "stop loss absent")
	assert.Equal(t, "[warning] BTCUSDT missing: stop loss absent", got)
}
