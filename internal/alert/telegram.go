package alert

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// telegramSender is the slice of the Telegram bot API the notifier uses.
// Narrowed to an interface so tests can mock the session.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier buffers alert messages and flushes them to a Telegram chat
// on an interval, so a symbol flapping between cycles produces one combined
// report instead of a message per cycle.
type TelegramNotifier struct {
	session        telegramSender
	chatID         int64
	bufferInterval time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	buffer []string
	closed bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewTelegramNotifier creates a notifier posting to the given chat. token and
// chatID must both be configured.
func NewTelegramNotifier(token string, chatID int64, bufferInterval time.Duration, log *zap.Logger) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, errors.New("telegram bot token and chat ID must be configured")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	if bufferInterval <= 0 {
		bufferInterval = time.Minute
	}

	n := &TelegramNotifier{
		session:        bot,
		chatID:         chatID,
		bufferInterval: bufferInterval,
		logger:         log,
		shutdown:       make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n, nil
}

// Send queues a message for the next flush. It never blocks on the network.
func (n *TelegramNotifier) Send(message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("notifier is closed")
	}
	n.buffer = append(n.buffer, message)
	return nil
}

// Close flushes any buffered messages and stops the notifier.
func (n *TelegramNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	close(n.shutdown)
	n.wg.Wait()
	return nil
}

func (n *TelegramNotifier) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.bufferInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.flush()
		case <-n.shutdown:
			n.flush()
			return
		}
	}
}

func (n *TelegramNotifier) flush() {
	n.mu.Lock()
	pending := n.buffer
	n.buffer = nil
	n.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	report := fmt.Sprintf("--- Protection Report (%s) ---\n%s",
		time.Now().UTC().Format(time.RFC3339), strings.Join(pending, "\n"))

	msg := tgbotapi.NewMessage(n.chatID, report)
	if _, err := n.session.Send(msg); err != nil {
		n.logger.Error("failed to send telegram alert", zap.Error(err), zap.Int("messages", len(pending)))
		// Requeue so the next flush retries; drop on close.
		n.mu.Lock()
		if !n.closed {
			n.buffer = append(pending, n.buffer...)
		}
		n.mu.Unlock()
	}
}
