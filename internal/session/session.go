package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"voxelgrid.dev/internal/auth"
	"voxelgrid.dev/internal/protocol"
	"voxelgrid.dev/internal/sim/voxel"
	"voxelgrid.dev/internal/transport"
)

// Session is one authenticated client streaming a region of the world.
type Session struct {
	id   string
	conn transport.Conn
	m    *Manager

	limiter *rate.Limiter

	mu        sync.Mutex
	state     State
	identity  string
	center    voxel.Pos
	region    map[voxel.Pos]struct{}
	delivered map[voxel.Pos]uint64
	acked     map[voxel.Pos]uint64
	pending   map[voxel.Pos]struct{}
	armed     bool

	notify chan struct{}
}

func newSession(m *Manager, conn transport.Conn) *Session {
	lim := rate.NewLimiter(rate.Inf, 1)
	if m.cfg.FullBlocksPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(m.cfg.FullBlocksPerSecond), m.cfg.FullBlockBurst)
	}
	return &Session{
		id:        uuid.NewString(),
		conn:      conn,
		m:         m,
		limiter:   lim,
		state:     Connected,
		region:    map[voxel.Pos]struct{}{},
		delivered: map[voxel.Pos]uint64{},
		acked:     map[voxel.Pos]uint64{},
		pending:   map[voxel.Pos]struct{}{},
		notify:    make(chan struct{}, 1),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.state.Transition(to)
	if err != nil {
		return err
	}
	s.state = next
	return nil
}

// markPending queues pos for a resend if it is in the region. It runs on the mutating
// goroutine, so it only touches the pending set and arms a flush.
func (s *Session) markPending(pos voxel.Pos) {
	s.mu.Lock()
	if _, ok := s.region[pos]; !ok || s.state != Streaming {
		s.mu.Unlock()
		return
	}
	s.pending[pos] = struct{}{}
	s.mu.Unlock()
	s.scheduleFlush(s.m.cfg.Coalesce)
}

func (s *Session) scheduleFlush(d time.Duration) {
	s.mu.Lock()
	if s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = true
	s.mu.Unlock()

	fire := func() {
		s.mu.Lock()
		s.armed = false
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	if d <= 0 {
		fire()
		return
	}
	time.AfterFunc(d, fire)
}

func (s *Session) sendJSON(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, b)
}

// sendWorld sends a message carrying world data; only streaming sessions get any.
func (s *Session) sendWorld(ctx context.Context, v any) error {
	if s.State() != Streaming {
		return ErrNotStreaming
	}
	return s.sendJSON(ctx, v)
}

func (s *Session) sendError(code, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.sendJSON(ctx, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
}

// close reports err to the client when it is a protocol violation and tears the session down.
func (s *Session) close(err error) {
	var v *violation
	reason := ""
	switch {
	case errors.As(err, &v):
		s.sendError(v.code, v.err.Error())
		reason = v.code
	case errors.Is(err, ErrAuthFailure):
		s.sendError(protocol.ErrAuthFailed, "authentication failed")
		reason = protocol.ErrAuthFailed
	case err != nil && !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled):
		s.sendError(protocol.ErrInternal, "internal error")
		reason = protocol.ErrInternal
	}
	s.mu.Lock()
	s.state = Closed
	s.region = map[voxel.Pos]struct{}{}
	s.pending = map[voxel.Pos]struct{}{}
	s.mu.Unlock()
	_ = s.conn.Close(reason)
}

// decode parses msg into v after checking its type and protocol version.
func decode(msg []byte, want string, v any) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return violate(protocol.ErrProtoBadRequest, "malformed message: %v", err)
	}
	if base.Type != want {
		return violate(protocol.ErrProtoBadRequest, "expected %s, got %q", want, base.Type)
	}
	if base.ProtocolVersion != protocol.Version {
		return violate(protocol.ErrProtoBadRequest, "bad protocol_version %q", base.ProtocolVersion)
	}
	if err := json.Unmarshal(msg, v); err != nil {
		return violate(protocol.ErrProtoBadRequest, "malformed %s: %v", want, err)
	}
	return nil
}

func recvOne(ctx context.Context, msgs <-chan []byte, errc <-chan error) ([]byte, error) {
	select {
	case b := <-msgs:
		return b, nil
	case err := <-errc:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handshake runs HELLO/CHALLENGE/AUTH/WELCOME.
func (s *Session) handshake(ctx context.Context, msgs <-chan []byte, errc <-chan error) error {
	b, err := recvOne(ctx, msgs, errc)
	if err != nil {
		return err
	}
	var hello protocol.HelloMsg
	if err := decode(b, protocol.TypeHello, &hello); err != nil {
		return err
	}
	if err := s.transition(Authenticating); err != nil {
		return err
	}
	ch, err := s.m.auth.BeginExchange(hello.Identity)
	if err != nil {
		if errors.Is(err, auth.ErrAuthFailed) {
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		}
		return err
	}
	s.mu.Lock()
	s.identity = hello.Identity
	s.mu.Unlock()
	if err := s.sendJSON(ctx, protocol.ChallengeMsg{
		Type:            protocol.TypeChallenge,
		ProtocolVersion: protocol.Version,
		Salt:            ch.Salt,
		Nonce:           ch.Nonce,
	}); err != nil {
		return err
	}

	b, err = recvOne(ctx, msgs, errc)
	if err != nil {
		return err
	}
	var am protocol.AuthMsg
	if err := decode(b, protocol.TypeAuth, &am); err != nil {
		return err
	}
	key, err := s.m.auth.Respond(ch, am.Proof)
	if err != nil {
		if errors.Is(err, auth.ErrAuthFailed) {
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		}
		return err
	}
	if err := s.transition(Authenticated); err != nil {
		return err
	}
	return s.sendJSON(ctx, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       s.id,
		KeyID:           auth.KeyID(key),
		BlockSize:       voxel.Size,
		Seed:            s.m.cfg.Seed,
		MaxRegionBlocks: s.m.cfg.MaxRegionBlocks,
	})
}

// handle processes one message after authentication.
func (s *Session) handle(ctx context.Context, b []byte) error {
	base, err := protocol.DecodeBase(b)
	if err != nil {
		return violate(protocol.ErrProtoBadRequest, "malformed message: %v", err)
	}
	switch base.Type {
	case protocol.TypeRegion:
		var rm protocol.RegionMsg
		if err := decode(b, protocol.TypeRegion, &rm); err != nil {
			return err
		}
		return s.setRegion(ctx, rm)
	case protocol.TypeAck:
		var am protocol.AckMsg
		if err := decode(b, protocol.TypeAck, &am); err != nil {
			return err
		}
		return s.ack(am)
	default:
		return violate(protocol.ErrProtoBadRequest, "unexpected %q in state %s", base.Type, s.State())
	}
}

func (s *Session) setRegion(ctx context.Context, rm protocol.RegionMsg) error {
	cfg := s.m.cfg
	center := protocol.ToPos(rm.Center)
	if !center.Valid() {
		return violate(protocol.ErrProtoBadRequest, "region center %s out of range", center)
	}
	if math.IsNaN(rm.Radius) || rm.Radius < 0 {
		return violate(protocol.ErrProtoBadRequest, "bad region radius %v", rm.Radius)
	}
	if rm.Radius > cfg.MaxRegionRadius {
		return violate(protocol.ErrRegionTooLarge, "radius %v above %v", rm.Radius, cfg.MaxRegionRadius)
	}
	blocks := regionBlocks(center, rm.Radius)
	if len(blocks) > cfg.MaxRegionBlocks {
		return violate(protocol.ErrRegionTooLarge, "%d blocks above %d", len(blocks), cfg.MaxRegionBlocks)
	}

	s.mu.Lock()
	if s.state == Authenticated {
		s.state = Streaming
	}
	if s.state != Streaming {
		st := s.state
		s.mu.Unlock()
		return violate(protocol.ErrProtoBadRequest, "REGION in state %s", st)
	}
	next := make(map[voxel.Pos]struct{}, len(blocks))
	var entered []voxel.Pos
	for _, p := range blocks {
		next[p] = struct{}{}
		if _, ok := s.region[p]; !ok {
			entered = append(entered, p)
			s.pending[p] = struct{}{}
		}
	}
	var left, unload []voxel.Pos
	for p := range s.region {
		if _, ok := next[p]; ok {
			continue
		}
		left = append(left, p)
		if _, ok := s.delivered[p]; ok {
			unload = append(unload, p)
		}
		delete(s.delivered, p)
		delete(s.acked, p)
		delete(s.pending, p)
	}
	s.region = next
	s.center = center
	s.mu.Unlock()

	s.m.subscribe(s, entered, left)

	byDistance(center, unload)
	for _, p := range unload {
		if err := s.sendWorld(ctx, protocol.UnloadMsg{
			Type:            protocol.TypeUnload,
			ProtocolVersion: protocol.Version,
			Pos:             protocol.PosOf(p),
		}); err != nil {
			return err
		}
		s.m.unloads.Add(1)
	}
	return s.flush(ctx)
}

func (s *Session) ack(am protocol.AckMsg) error {
	pos := protocol.ToPos(am.Pos)
	s.mu.Lock()
	defer s.mu.Unlock()
	rev, ok := s.delivered[pos]
	if !ok {
		return violate(protocol.ErrUnknownBlock, "ACK for undelivered block %s", pos)
	}
	if am.Revision > rev {
		return violate(protocol.ErrUnknownBlock, "ACK for %s revision %d, delivered %d", pos, am.Revision, rev)
	}
	if am.Revision > s.acked[pos] {
		s.acked[pos] = am.Revision
	}
	return nil
}

// flush sends every pending block whose revision is newer than the delivered one, nearest
// first, as far as the send budget allows. The rest is retried when the budget refills.
func (s *Session) flush(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Streaming || len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	todo := make([]voxel.Pos, 0, len(s.pending))
	for p := range s.pending {
		todo = append(todo, p)
	}
	center := s.center
	s.mu.Unlock()
	byDistance(center, todo)

	for _, p := range todo {
		r := s.limiter.Reserve()
		if d := r.Delay(); d > 0 {
			r.Cancel()
			s.scheduleFlush(d)
			return nil
		}

		data, rev, err := s.m.world.Encoded(ctx, p)
		if err != nil {
			return fmt.Errorf("block %s: %w", p, err)
		}

		s.mu.Lock()
		_, inRegion := s.region[p]
		_, isPending := s.pending[p]
		have, sent := s.delivered[p]
		if !inRegion || !isPending || (sent && rev <= have) {
			if inRegion && isPending {
				delete(s.pending, p)
			}
			s.mu.Unlock()
			r.Cancel()
			continue
		}
		delete(s.pending, p)
		s.delivered[p] = rev
		s.mu.Unlock()

		if err := s.sendWorld(ctx, protocol.BlockMsg{
			Type:            protocol.TypeBlock,
			ProtocolVersion: protocol.Version,
			Pos:             protocol.PosOf(p),
			Revision:        rev,
			Data:            data,
		}); err != nil {
			return err
		}
		s.m.blocksSent.Add(1)
	}
	return nil
}

// entity forwards an entity update over the unreliable channel. Clients only hear about
// entities in blocks they already hold.
func (s *Session) entity(pos voxel.Pos, e voxel.Entity) (bool, error) {
	s.mu.Lock()
	_, ok := s.delivered[pos]
	st := s.state
	s.mu.Unlock()
	if st != Streaming {
		return false, ErrNotStreaming
	}
	if !ok {
		return false, nil
	}
	b, err := json.Marshal(protocol.EntityMsg{
		Type:            protocol.TypeEntity,
		ProtocolVersion: protocol.Version,
		Pos:             protocol.PosOf(pos),
		Entity:          e,
	})
	if err != nil {
		return false, err
	}
	if err := s.conn.SendDatagram(b); err != nil {
		return false, err
	}
	return true, nil
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Remote    string `json:"remote"`
	State     string `json:"state"`
	Region    int    `json:"region"`
	Delivered int    `json:"delivered"`
	Pending   int    `json:"pending"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.id,
		Identity:  s.identity,
		Remote:    s.conn.RemoteAddr(),
		State:     s.state.String(),
		Region:    len(s.region),
		Delivered: len(s.delivered),
		Pending:   len(s.pending),
	}
}
