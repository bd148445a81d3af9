package protocol

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestPipeSendReceive(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		msg, _ := NewMessage(KindStop, "c1", Stop{Shutdown: true})
		if err := a.Send(msg); err != nil {
			t.Errorf("Send: %v", err)
		}
	}()

	got, err := b.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var stop Stop
	if err := got.Decode(&stop); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != KindStop || got.CorrelationID != "c1" || !stop.Shutdown {
		t.Errorf("received %+v / %+v", got, stop)
	}
}

func TestReceiveAfterPeerClose(t *testing.T) {
	a, b := Pipe()
	a.Close()

	_, err := b.Receive()
	if !IsClosed(err) {
		t.Fatalf("Receive error = %v, want closed", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestReceiveRejectsEmptyKind(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	conn := NewConn(server)
	defer conn.Close()

	go func() {
		_ = WriteMessage(client, &Message{})
	}()

	if _, err := conn.Receive(); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("error = %v, want ErrMalformedMessage", err)
	}
}

func TestSendRejectsEmptyKind(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	if err := a.Send(Message{}); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("error = %v, want ErrMalformedMessage", err)
	}
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    Addr
		wantErr bool
	}{
		{"unix:/tmp/e.sock", Addr{SchemeUnix, "/tmp/e.sock"}, false},
		{"tcp:127.0.0.1:7400", Addr{SchemeTCP, "127.0.0.1:7400"}, false},
		{"vsock:3:7400", Addr{SchemeVsock, "3:7400"}, false},
		{"/tmp/bare.sock", Addr{SchemeUnix, "/tmp/bare.sock"}, false},
		{"udp:1.2.3.4:5", Addr{}, true},
		{"tcp:", Addr{}, true},
		{"", Addr{}, true},
	}
	for _, tt := range tests {
		got, err := ParseAddr(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAddr(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestDialUnixListener(t *testing.T) {
	addr := "unix:" + filepath.Join(t.TempDir(), "engine.sock")
	l, err := Listen(addr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- NewConn(c)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	msg, _ := NewMessage(KindAck, "x", Ack{})
	go func() { _ = client.Send(msg) }()
	got, err := server.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.Kind != KindAck || got.CorrelationID != "x" {
		t.Errorf("got %+v", got)
	}
}

func TestDialGivesUpWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, "unix:"+filepath.Join(t.TempDir(), "nobody.sock"))
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}
