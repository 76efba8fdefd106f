// Package ws carries transport.Conn over WebSocket text frames.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxelgrid.dev/internal/transport"
)

// Handler serves one connection and returns when the session is over.
type Handler func(ctx context.Context, conn transport.Conn)

// Options bound one connection. The server pings every PingInterval and every pong
// extends the read deadline by ReadTimeout, so a quiet but live client stays connected.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	MaxQueue     int
	MaxMessage   int64
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout / 2
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = 64
	}
	if o.MaxMessage <= 0 {
		o.MaxMessage = 64 * 1024
	}
	return o
}

type Server struct {
	handle Handler
	log    *log.Logger
	opts   Options

	upgrader websocket.Upgrader
}

func NewServer(h Handler, logger *log.Logger, opts Options) *Server {
	return &Server{
		handle: h,
		log:    logger,
		opts:   opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		wsc, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		c := newConn(wsc, r.RemoteAddr, s.opts)
		defer c.Close("")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		s.handle(ctx, c)
	}
}

// Conn adapts a websocket connection. One writer goroutine owns all writes; reliable
// messages queue in out and datagrams sit in a single latest-wins slot.
type Conn struct {
	ws     *websocket.Conn
	remote string
	opts   Options

	out   chan []byte
	dgram chan []byte

	closeOnce   sync.Once
	quit        chan struct{}
	done        chan struct{}
	mu          sync.Mutex
	closeReason string

	// deadlineMu orders read deadline changes between Recv cancellation and pongs.
	deadlineMu sync.Mutex
	cancelled  bool
}

func newConn(ws *websocket.Conn, remote string, opts Options) *Conn {
	ws.SetReadLimit(opts.MaxMessage)
	c := &Conn{
		ws:     ws,
		remote: remote,
		opts:   opts,
		out:    make(chan []byte, opts.MaxQueue),
		dgram:  make(chan []byte, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	ws.SetPongHandler(func(string) error {
		c.deadlineMu.Lock()
		defer c.deadlineMu.Unlock()
		if c.cancelled {
			return nil
		}
		return ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})
	go c.writeLoop()
	return c
}

func (c *Conn) write(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		case b := <-c.out:
			if err := c.write(b); err != nil {
				return
			}
		case b := <-c.dgram:
			if err := c.write(b); err != nil {
				return
			}
		case <-c.quit:
			// Flush what was already accepted by Send, then say goodbye.
		drain:
			for {
				select {
				case b := <-c.out:
					if err := c.write(b); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.mu.Lock()
			reason := c.closeReason
			c.mu.Unlock()
			code := websocket.CloseNormalClosure
			if reason != "" {
				code = websocket.ClosePolicyViolation
			}
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			return
		}
	}
}

func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.quit:
		return transport.ErrClosed
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.quit:
		return transport.ErrClosed
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) SendDatagram(msg []byte) error {
	select {
	case <-c.quit:
		return transport.ErrClosed
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	for {
		select {
		case c.dgram <- msg:
			return nil
		default:
		}
		select {
		case <-c.dgram:
		default:
		}
	}
}

// Recv must only be called from one goroutine.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.deadlineMu.Lock()
	c.cancelled = false
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.deadlineMu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		c.deadlineMu.Lock()
		defer c.deadlineMu.Unlock()
		c.cancelled = true
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, transport.ErrClosed
			}
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return msg, nil
	}
}

func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.quit)
	})
	select {
	case <-c.done:
	case <-time.After(2 * c.opts.WriteTimeout):
		_ = c.ws.Close()
	}
	return nil
}
