package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPipe_OrderedDelivery(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	for _, m := range []string{"one", "two", "three"} {
		if err := a.Send(ctx, []byte(m)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if string(got) != want {
			t.Fatalf("recv: got %q want %q", got, want)
		}
	}
}

func TestPipe_DatagramsAreLatestWins(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	for _, m := range []string{"d1", "d2", "d3"} {
		if err := a.SendDatagram([]byte(m)); err != nil {
			t.Fatalf("datagram: %v", err)
		}
	}
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "d3" {
		t.Fatalf("datagram: got %q want d3", got)
	}
}

func TestPipe_CloseDeliversPendingThenFails(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	_ = a.Send(ctx, []byte("last words"))
	_ = a.Close("bye")

	got, err := b.Recv(ctx)
	if err != nil || string(got) != "last words" {
		t.Fatalf("recv after close: got %q err=%v", got, err)
	}
	if _, err := b.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("recv: got %v want ErrClosed", err)
	}
	if err := b.Send(ctx, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send: got %v want ErrClosed", err)
	}
	if b.CloseReason() != "bye" {
		t.Fatalf("reason: got %q want bye", b.CloseReason())
	}
}

func TestPipe_RecvHonoursContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("recv: got %v want deadline exceeded", err)
	}
}
