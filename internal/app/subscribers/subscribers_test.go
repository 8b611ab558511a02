package subscribers

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricegate/errs"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestSleeperCompletesAfterOperationTime(t *testing.T) {
	s := NewSleeper("demo", 10*time.Millisecond, quietLogger())
	start := time.Now()
	require.NoError(t, s.OnPrice(context.Background(), "EURUSD", 100.01))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	require.Equal(t, uint64(1), s.Processed())
	require.Equal(t, KindSleeper, s.Kind())
}

func TestSleeperCancelInterruptsInProgressWork(t *testing.T) {
	s := NewSleeper("slow", time.Minute, quietLogger())
	errCh := make(chan error, 2)
	for _, pair := range []string{"EURUSD", "GBPUSD"} {
		go func() { errCh <- s.OnPrice(context.Background(), pair, 1) }()
	}

	require.Eventually(t, func() bool {
		s.ops.mu.Lock()
		defer s.ops.mu.Unlock()
		return len(s.ops.cancels) == 2
	}, time.Second, time.Millisecond)
	require.True(t, s.Cancel())

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("sleeper ignored cancel")
		}
	}
	require.Zero(t, s.Processed())
	require.True(t, s.Cancel(), "cancel with nothing running still succeeds")
}

func TestSleeperHonoursContext(t *testing.T) {
	s := NewSleeper("slow", time.Minute, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.OnPrice(ctx, "EURUSD", 1), context.DeadlineExceeded)
}

func TestWebhookPostsPayload(t *testing.T) {
	var got PricePayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	hook, err := NewWebhook("hook", WebhookConfig{URL: server.URL, RatePerSecond: 100, Burst: 10}, nil, quietLogger())
	require.NoError(t, err)
	defer hook.Close()

	require.NoError(t, hook.OnPrice(context.Background(), "USDJPY", 100.125))
	require.Equal(t, "USDJPY", got.Pair)
	require.True(t, decimal.RequireFromString("100.125").Equal(got.Rate))
	require.False(t, got.SentAt.IsZero())
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook, err := NewWebhook("hook", WebhookConfig{URL: server.URL, MaxRetries: 3, RatePerSecond: 1000, Burst: 10}, nil, quietLogger())
	require.NoError(t, err)
	require.NoError(t, hook.OnPrice(context.Background(), "EURUSD", 1))
	require.Equal(t, int32(3), calls.Load())
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	hook, err := NewWebhook("hook", WebhookConfig{URL: server.URL, MaxRetries: 5}, nil, quietLogger())
	require.NoError(t, err)
	err = hook.OnPrice(context.Background(), "EURUSD", 1)
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)
	require.Equal(t, int32(1), calls.Load())
}

func TestWebhookCancelAbortsRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	hook, err := NewWebhook("hook", WebhookConfig{URL: server.URL, Timeout: time.Minute, MaxRetries: 5}, nil, quietLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- hook.OnPrice(context.Background(), "EURUSD", 1) }()
	require.Eventually(t, func() bool {
		hook.ops.mu.Lock()
		defer hook.ops.mu.Unlock()
		return len(hook.ops.cancels) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.True(t, hook.Cancel())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook ignored cancel")
	}
}

func TestNewWebhookRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "/relative", "http://"} {
		_, err := NewWebhook("hook", WebhookConfig{URL: raw}, nil, nil)
		require.True(t, errs.IsCode(err, errs.CodeInvalid), "url %q", raw)
	}
}

func TestStreamWritesPriceFrames(t *testing.T) {
	streams := make(chan *Stream, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		stream := NewStream("ws", conn, time.Second, quietLogger())
		streams <- stream
		<-conn.CloseRead(r.Context()).Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer client.CloseNow()

	stream := <-streams
	require.NoError(t, stream.OnPrice(context.Background(), "GBPUSD", 125.5))

	msgType, data, err := client.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, msgType)
	var frame StreamFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, "price", frame.Type)
	require.Equal(t, "GBPUSD", frame.Pair)
	require.True(t, decimal.NewFromFloat(125.5).Equal(frame.Rate))

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	require.ErrorIs(t, stream.OnPrice(cancelled, "GBPUSD", 126), context.Canceled)

	readErr := make(chan error, 1)
	go func() {
		_, _, err := client.Read(ctx)
		readErr <- err
	}()
	require.True(t, stream.Cancel())
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())
	require.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(<-readErr))
}

func TestScriptInvokesOnPrice(t *testing.T) {
	script, err := NewScript("collector", `
		var seen = [];
		exports.onPrice = function(pair, rate) {
			if (rate < 0) { throw new Error("negative rate for " + pair); }
			seen.push(pair + "=" + rate);
			console.log("seen", seen.length);
		};
		exports.seen = function() { return seen.join(","); };
	`, quietLogger())
	require.NoError(t, err)
	require.Equal(t, KindScript, script.Kind())

	require.NoError(t, script.OnPrice(context.Background(), "EURUSD", 100.5))
	require.NoError(t, script.OnPrice(context.Background(), "GBPUSD", 125))

	err = script.OnPrice(context.Background(), "USDJPY", -1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "negative rate for USDJPY")
}

func TestScriptModuleExportsStyle(t *testing.T) {
	script, err := NewScript("module-style", `module.exports = { onPrice: function(pair, rate) { return rate * 2; } };`, quietLogger())
	require.NoError(t, err)
	require.NoError(t, script.OnPrice(context.Background(), "EURUSD", 1))
}

func TestScriptCancelInterruptsRunawayLoop(t *testing.T) {
	script, err := NewScript("spin", `exports.onPrice = function() { for (;;) {} };`, quietLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- script.OnPrice(context.Background(), "EURUSD", 1) }()
	require.Eventually(t, script.running.Load, time.Second, time.Millisecond)
	require.True(t, script.Cancel())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, errScriptCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("script ignored cancel")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, script.OnPrice(ctx, "EURUSD", 1), context.DeadlineExceeded)
}

func TestNewScriptValidatesModule(t *testing.T) {
	tests := map[string]string{
		"empty":          "  ",
		"syntax error":   "exports.onPrice = function( {",
		"missing export": "exports.other = function() {};",
		"not callable":   "exports.onPrice = 42;",
		"throws on load": "throw new Error('boom');",
	}
	for name, source := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewScript(name, source, quietLogger())
			require.True(t, errs.IsCode(err, errs.CodeInvalid), "got %v", err)
		})
	}
}

func TestSubscribersExposeKinds(t *testing.T) {
	hook, err := NewWebhook("hook", WebhookConfig{URL: "http://localhost:1"}, nil, quietLogger())
	require.NoError(t, err)
	require.Equal(t, KindWebhook, hook.Kind())
	require.NoError(t, hook.Close())
}
