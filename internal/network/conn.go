package network

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"shardnet/internal/crypto"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

// conn is one authenticated session. readLoop is the only caller of
// channel.Open and writeLoop the only caller of channel.Seal.
type conn struct {
	host    *Host
	id      peer.ID
	session uint64
	addr    string
	inbound bool
	hello   proto.Hello
	s       stream
	channel *crypto.Channel
	release func()

	sendq chan []byte
	done  chan struct{}

	once sync.Once
	err  error
}

func newConn(h *Host, s stream, sec secured, addr string, inbound bool, release func()) *conn {
	return &conn{
		host:    h,
		id:      sec.remote,
		addr:    addr,
		inbound: inbound,
		hello:   sec.hello,
		s:       s,
		channel: sec.channel,
		release: release,
		sendq:   make(chan []byte, h.cfg.SendQueue),
		done:    make(chan struct{}),
	}
}

func (c *conn) close(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		_ = c.s.Close()
		if c.release != nil {
			c.release()
		}
	})
}

func (c *conn) enqueue(frame []byte, timeout time.Duration) error {
	select {
	case <-c.done:
		return ErrPeerGone
	default:
	}
	select {
	case c.sendq <- frame:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrBackpressure
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.sendq <- frame:
		return nil
	case <-c.done:
		return ErrPeerGone
	case <-t.C:
		return ErrBackpressure
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendq:
			seq, ct, err := c.channel.Seal(frame)
			if err == nil {
				err = proto.WriteFrame(c.s, proto.EncodeSealed(seq, ct))
			}
			if err != nil {
				c.host.remove(c)
				c.close(err)
				return
			}
			c.host.metrics.IncFrameOut()
		}
	}
}

// readLoop announces the session, delivers its frames in order and finally
// reports the disconnect exactly once.
func (c *conn) readLoop() {
	h := c.host
	h.emit(Event{
		Kind:    EventConnected,
		Peer:    c.id,
		Session: c.session,
		Hello:   c.hello,
		Addr:    c.addr,
		Inbound: c.inbound,
	}, nil)
	for {
		raw, err := proto.ReadFrame(c.s)
		if err != nil {
			c.close(err)
			break
		}
		seq, ct, err := proto.DecodeSealed(raw)
		if err == nil {
			raw, err = c.channel.Open(seq, ct)
		}
		if err != nil {
			h.metrics.IncDecodeError("sealed")
			c.close(err)
			break
		}
		h.metrics.IncFrameIn()
		if !h.emit(Event{Kind: EventFrame, Peer: c.id, Session: c.session, Data: raw}, c.done) {
			break
		}
	}
	h.remove(c)
	<-c.done
	h.metrics.IncPeerEvent("disconnected")
	h.log.Info("peer disconnected", zap.Stringer("peer", c.id), zap.NamedError("cause", c.err))
	h.emit(Event{Kind: EventDisconnected, Peer: c.id, Session: c.session, Err: c.err}, nil)
}
