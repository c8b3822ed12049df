package network

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"shardnet/internal/chain"
	"shardnet/internal/crypto"
	"shardnet/internal/proto"
)

func testConfig() Config {
	return Config{NetworkID: "testnet", ProtocolVersion: 2, MinVersion: 1}
}

func listenMem(t *testing.T, n *MemNetwork, cfg Config) *MemTransport {
	t.Helper()
	id, err := crypto.GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	tr, err := n.Listen("", cfg, id, nil, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func waitEvent(t *testing.T, tr Transport, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestMemConnectExchangesFrames(t *testing.T) {
	n := NewMemNetwork()
	cfgA := testConfig()
	cfgA.Status = func() []proto.ChainHead {
		return []proto.ChainHead{{Chain: 1, Head: chain.Head{Height: 10}}}
	}
	a := listenMem(t, n, cfgA)
	b := listenMem(t, n, testConfig())

	id, err := a.Connect(context.Background(), b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if id != b.LocalID() {
		t.Fatalf("connected to %v, want %v", id, b.LocalID())
	}
	atB := waitEvent(t, b, EventConnected)
	if atB.Peer != a.LocalID() || !atB.Inbound {
		t.Fatalf("unexpected connected event at responder: %+v", atB)
	}
	if len(atB.Hello.Status) != 1 || atB.Hello.Status[0].Head.Height != 10 {
		t.Fatalf("status not carried in hello: %+v", atB.Hello.Status)
	}
	if atB.Hello.ListenAddr != a.Addr() {
		t.Fatalf("listen addr %q, want %q", atB.Hello.ListenAddr, a.Addr())
	}
	waitEvent(t, a, EventConnected)

	for i := byte(0); i < 5; i++ {
		if err := a.Send(b.LocalID(), []byte{'a', i}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	for i := byte(0); i < 5; i++ {
		ev := waitEvent(t, b, EventFrame)
		if !bytes.Equal(ev.Data, []byte{'a', i}) {
			t.Fatalf("frame %d out of order: %q", i, ev.Data)
		}
	}
	if err := b.Send(a.LocalID(), []byte("pong")); err != nil {
		t.Fatalf("send back: %v", err)
	}
	if ev := waitEvent(t, a, EventFrame); string(ev.Data) != "pong" {
		t.Fatalf("unexpected frame %q", ev.Data)
	}

	again, err := a.Connect(context.Background(), b.Addr())
	if err != nil || again != id {
		t.Fatalf("reconnect to connected peer: %v, %v", again, err)
	}
}

func TestMemConnectErrors(t *testing.T) {
	n := NewMemNetwork()
	a := listenMem(t, n, testConfig())

	foreign := testConfig()
	foreign.NetworkID = "othernet"
	other := listenMem(t, n, foreign)

	old := testConfig()
	old.ProtocolVersion, old.MinVersion = 5, 5
	future := listenMem(t, n, old)

	cases := []struct {
		name string
		addr string
		want error
		kind ConnectKind
	}{
		{"unreachable", "mem-missing", ErrUnreachable, Unreachable},
		{"foreign network", other.Addr(), ErrProtocolMismatch, ProtocolMismatch},
		{"incompatible version", future.Addr(), ErrProtocolMismatch, ProtocolMismatch},
		{"self", a.Addr(), ErrHandshakeFailed, HandshakeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Connect(context.Background(), tc.addr)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var ce *ConnectError
			if !errors.As(err, &ce) || ce.Kind != tc.kind || ce.Addr != tc.addr {
				t.Fatalf("unexpected connect error %#v", err)
			}
		})
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	n := NewMemNetwork()
	a := listenMem(t, n, testConfig())
	b := listenMem(t, n, testConfig())
	id, err := a.Connect(context.Background(), b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, a, EventConnected)
	waitEvent(t, b, EventConnected)

	a.Disconnect(id)
	a.Disconnect(id)
	waitEvent(t, a, EventDisconnected)
	waitEvent(t, b, EventDisconnected)
	a.Disconnect(id)

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected extra event %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	if err := a.Send(id, []byte("x")); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("expected peer gone, got %v", err)
	}
}

func TestSendBackpressure(t *testing.T) {
	n := NewMemNetwork()
	cfg := testConfig()
	cfg.SendQueue = 1
	a := listenMem(t, n, cfg)
	slow := testConfig()
	slow.InboundQueue = 1
	b := listenMem(t, n, slow)
	id, err := a.Connect(context.Background(), b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	// b never drains its events, so frames back up into a's queue.
	var last error
	for i := 0; i < 100 && last == nil; i++ {
		last = a.Send(id, []byte("flood"))
	}
	if !errors.Is(last, ErrBackpressure) {
		t.Fatalf("expected backpressure, got %v", last)
	}
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	n := NewMemNetwork()
	a := listenMem(t, n, testConfig())
	if err := a.Send(a.LocalID(), make([]byte, MaxPayload+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected frame too large, got %v", err)
	}
}

func TestCloseEndsEvents(t *testing.T) {
	n := NewMemNetwork()
	a := listenMem(t, n, testConfig())
	b := listenMem(t, n, testConfig())
	if _, err := a.Connect(context.Background(), b.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitEvent(t, a, EventConnected)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for range a.Events() {
	}
	if _, err := a.Connect(context.Background(), b.Addr()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	waitEvent(t, b, EventDisconnected)
}

func TestQUICLoopback(t *testing.T) {
	newQUIC := func() *QUICTransport {
		id, err := crypto.GenerateIdentity()
		if err != nil {
			t.Fatalf("identity: %v", err)
		}
		tr, err := ListenQUIC("127.0.0.1:0", testConfig(), id, nil, nil)
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		t.Cleanup(func() { _ = tr.Close() })
		return tr
	}
	a, b := newQUIC(), newQUIC()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := a.Connect(ctx, b.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if id != b.LocalID() {
		t.Fatalf("unexpected peer id")
	}
	waitEvent(t, b, EventConnected)
	if err := a.Send(id, []byte("over quic")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ev := waitEvent(t, b, EventFrame); string(ev.Data) != "over quic" {
		t.Fatalf("unexpected frame %q", ev.Data)
	}
}
