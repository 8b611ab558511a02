package subscribers

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// KindStream identifies websocket Stream subscribers.
const KindStream = "stream"

const defaultStreamWriteTimeout = 5 * time.Second

// StreamFrame is one message pushed to a websocket client.
type StreamFrame struct {
	Type string `json:"type"`
	PricePayload
}

// Stream pushes prices to a websocket connection.
type Stream struct {
	name         string
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *log.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewStream wraps an accepted websocket connection.
func NewStream(name string, conn *websocket.Conn, writeTimeout time.Duration, logger *log.Logger) *Stream {
	if writeTimeout <= 0 {
		writeTimeout = defaultStreamWriteTimeout
	}
	if logger == nil {
		logger = log.New(os.Stdout, "stream ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Stream{name: name, conn: conn, writeTimeout: writeTimeout, logger: logger}
}

// OnPrice writes a price frame. A delivery superseded before the write starts is
// dropped; once started, the write is bounded by the write timeout only, since
// aborting a websocket write tears the connection down.
func (s *Stream) OnPrice(ctx context.Context, instrument string, price float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(StreamFrame{
		Type:         "price",
		PricePayload: PricePayload{Pair: instrument, Rate: decimal.NewFromFloat(price), SentAt: time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("stream %s: encode frame: %w", s.name, err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("stream %s: write: %w", s.name, err)
	}
	return nil
}

// Cancel has nothing to abort and always succeeds.
func (s *Stream) Cancel() bool { return true }

// Close closes the connection with a normal closure. Failures, typically a peer that
// already went away, are logged.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(websocket.StatusNormalClosure, "unsubscribed"); err != nil {
			s.logger.Printf("stream close: name=%s err=%v", s.name, err)
		}
	})
	return nil
}

// Kind returns KindStream.
func (s *Stream) Kind() string { return KindStream }

// Name returns the configured name.
func (s *Stream) Name() string { return s.name }
