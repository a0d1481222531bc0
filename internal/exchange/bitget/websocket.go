package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var defaultWSURL = "wss://ws.bitget.com/v2/ws/private"

// SetWSURL overrides the private websocket endpoint. Intended for tests.
func SetWSURL(u string) { defaultWSURL = u }

const (
	wsPingInterval = 25 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// PositionStream subscribes to the private positions channel and invokes
// onEvent whenever the exchange pushes a position update. The scheduler uses
// this as a nudge to reconcile sooner than the next tick; losing events is
// harmless because the periodic pass covers everything.
type PositionStream struct {
	apiKey      string
	secretKey   string
	passphrase  string
	productType string
	onEvent     func()
	logger      *zap.Logger
}

// NewPositionStream creates a PositionStream. onEvent must be non-blocking.
func NewPositionStream(apiKey, secretKey, passphrase, productType string, onEvent func(), log *zap.Logger) *PositionStream {
	return &PositionStream{
		apiKey:      apiKey,
		secretKey:   secretKey,
		passphrase:  passphrase,
		productType: productType,
		onEvent:     onEvent,
		logger:      log,
	}
}

type wsRequest struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

type wsPush struct {
	Event string `json:"event"`
	Code  any    `json:"code"`
	Arg   struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

// Run connects and consumes pushes until ctx is cancelled, reconnecting with
// exponential backoff after any connection loss.
func (s *PositionStream) Run(ctx context.Context) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	operation := func() error {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.logger.Warn("position stream disconnected, reconnecting", zap.Error(err))
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil && ctx.Err() == nil {
		s.logger.Error("position stream stopped", zap.Error(err))
	}
}

func (s *PositionStream) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, defaultWSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", defaultWSURL, err)
	}
	defer conn.Close()

	if err := s.login(conn); err != nil {
		return err
	}
	if err := s.subscribe(conn); err != nil {
		return err
	}
	s.logger.Info("position stream connected", zap.String("channel", "positions"))

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if string(message) == "pong" {
			continue
		}

		var push wsPush
		if err := json.Unmarshal(message, &push); err != nil {
			s.logger.Debug("ignoring unparsable push", zap.ByteString("message", message))
			continue
		}
		if push.Event == "error" {
			return fmt.Errorf("websocket error event: %s", string(message))
		}
		if push.Arg.Channel == "positions" && len(push.Data) > 0 {
			s.onEvent()
		}
	}
}

func (s *PositionStream) login(conn *websocket.Conn) error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(timestamp + "GET" + "/user/verify"))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	args, _ := json.Marshal([]map[string]string{{
		"apiKey":     s.apiKey,
		"passphrase": s.passphrase,
		"timestamp":  timestamp,
		"sign":       sign,
	}})
	if err := conn.WriteJSON(wsRequest{Op: "login", Args: args}); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	// The login ack must arrive before subscribing.
	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	_, message, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("login ack: %w", err)
	}
	var push wsPush
	if err := json.Unmarshal(message, &push); err != nil || push.Event != "login" {
		return fmt.Errorf("unexpected login response: %s", string(message))
	}
	return nil
}

func (s *PositionStream) subscribe(conn *websocket.Conn) error {
	args, _ := json.Marshal([]map[string]string{{
		"instType": s.productType,
		"channel":  "positions",
		"instId":   "default",
	}})
	if err := conn.WriteJSON(wsRequest{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}
