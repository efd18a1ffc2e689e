package reader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"cryptofeed/config"
)

func TestWebsocketDialerRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, append([]byte("echo:"), msg...))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	d := NewWebsocketDialer(config.ReaderConfig{
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
	})
	ctx := context.Background()
	conn, err := d.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(ctx, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(msg) != `echo:{"type":"subscribe"}` {
		t.Fatalf("unexpected message %q", msg)
	}
	if _, err := conn.Receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after normal close, got %v", err)
	}
}

func TestWebsocketDialerLocalClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := NewWebsocketDialer(config.ReaderConfig{PingInterval: 10 * time.Millisecond})
	conn, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.Receive(context.Background())
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF after local close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
}

func TestWebsocketDialerBadEndpoint(t *testing.T) {
	d := NewWebsocketDialer(config.ReaderConfig{HandshakeTimeout: 100 * time.Millisecond})
	if _, err := d.Dial(context.Background(), "ws://127.0.0.1:1/feed"); err == nil {
		t.Fatal("expected dial error")
	}
}
