package transport

import (
	"context"
	"sync"
)

const pipeBuffer = 256

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
	mu     sync.Mutex
	reason string
}

// PipeConn is one end of an in-memory connection.
type PipeConn struct {
	name  string
	in    chan []byte
	out   chan []byte
	dgIn  chan []byte
	dgOut chan []byte
	sh    *pipeShared
}

// Pipe returns two connected ends. Closing either end closes both.
func Pipe() (*PipeConn, *PipeConn) {
	ab, ba := make(chan []byte, pipeBuffer), make(chan []byte, pipeBuffer)
	dab, dba := make(chan []byte, 1), make(chan []byte, 1)
	sh := &pipeShared{closed: make(chan struct{})}
	a := &PipeConn{name: "pipe:a", in: ba, out: ab, dgIn: dba, dgOut: dab, sh: sh}
	b := &PipeConn{name: "pipe:b", in: ab, out: ba, dgIn: dab, dgOut: dba, sh: sh}
	return a, b
}

func (p *PipeConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.sh.closed:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.sh.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns reliable messages in order, interleaved with datagrams. Reliable messages sent
// before Close are still returned after it.
func (p *PipeConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case m := <-p.in:
		return m, nil
	default:
	}
	select {
	case m := <-p.in:
		return m, nil
	case m := <-p.dgIn:
		return m, nil
	case <-p.sh.closed:
		select {
		case m := <-p.in:
			return m, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeConn) SendDatagram(msg []byte) error {
	select {
	case <-p.sh.closed:
		return ErrClosed
	default:
	}
	for {
		select {
		case p.dgOut <- msg:
			return nil
		default:
		}
		// Drop the stale datagram.
		select {
		case <-p.dgOut:
		default:
		}
	}
}

func (p *PipeConn) RemoteAddr() string { return p.name }

func (p *PipeConn) Close(reason string) error {
	p.sh.once.Do(func() {
		p.sh.mu.Lock()
		p.sh.reason = reason
		p.sh.mu.Unlock()
		close(p.sh.closed)
	})
	return nil
}

// Closed is closed once either end closes.
func (p *PipeConn) Closed() <-chan struct{} { return p.sh.closed }

// CloseReason returns the reason given by whichever end closed first.
func (p *PipeConn) CloseReason() string {
	p.sh.mu.Lock()
	defer p.sh.mu.Unlock()
	return p.sh.reason
}
