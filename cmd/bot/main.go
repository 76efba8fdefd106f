package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voxelgrid.dev/internal/auth"
	"voxelgrid.dev/internal/protocol"
	"voxelgrid.dev/internal/sim/encoding"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name     = flag.String("name", "bot", "identity")
		password = flag.String("password", "", "password")
		radius   = flag.Float64("radius", 2, "region radius in blocks")
		every    = flag.Duration("move_every", 10*time.Second, "how often to move the region centre")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// gorilla allows one concurrent writer.
	var wmu sync.Mutex
	send := func(v any) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			logger.Printf("send: %v", err)
		}
	}

	send(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Identity: *name})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		wmu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		wmu.Unlock()
		_ = conn.Close()
	}()

	var (
		center [3]int32
		key    []byte
	)
	held := map[[3]int32]uint64{}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v (holding %d blocks)", err, len(held))
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeChallenge:
			var ch protocol.ChallengeMsg
			if err := json.Unmarshal(msg, &ch); err != nil {
				continue
			}
			var proof []byte
			proof, key, err = auth.ClientProof(*name, *password, ch.Salt, ch.Nonce)
			if err != nil {
				logger.Fatalf("proof: %v", err)
			}
			send(protocol.AuthMsg{Type: protocol.TypeAuth, ProtocolVersion: protocol.Version, Proof: proof})

		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			if w.KeyID != auth.KeyID(key) {
				logger.Fatalf("WELCOME key id %q does not match ours", w.KeyID)
			}
			logger.Printf("WELCOME session=%s seed=%d block_size=%d", w.SessionID, w.Seed, w.BlockSize)
			send(protocol.RegionMsg{Type: protocol.TypeRegion, ProtocolVersion: protocol.Version, Center: center, Radius: *radius})
			go wander(send, center, *radius, *every)

		case protocol.TypeBlock:
			var bm protocol.BlockMsg
			if err := json.Unmarshal(msg, &bm); err != nil {
				continue
			}
			if _, err := encoding.Decode(bm.Data); err != nil {
				logger.Printf("BLOCK %v: %v", bm.Pos, err)
				continue
			}
			held[bm.Pos] = bm.Revision
			send(protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version, Pos: bm.Pos, Revision: bm.Revision})

		case protocol.TypeUnload:
			var um protocol.UnloadMsg
			if err := json.Unmarshal(msg, &um); err == nil {
				delete(held, um.Pos)
			}

		case protocol.TypeEntity:
			var em protocol.EntityMsg
			if err := json.Unmarshal(msg, &em); err == nil {
				logger.Printf("ENTITY %d %s at %v", em.Entity.ID, em.Entity.Kind, em.Entity.Pos)
			}

		case protocol.TypeError:
			var em protocol.ErrorMsg
			_ = json.Unmarshal(msg, &em)
			logger.Printf("ERROR %s: %s", em.Code, em.Message)
		}
	}
}

// wander moves the region centre one block along a random horizontal axis now and then.
func wander(send func(any), center [3]int32, radius float64, every time.Duration) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := time.NewTicker(every)
	defer t.Stop()
	for range t.C {
		axis := []int{0, 2}[r.Intn(2)]
		center[axis] += int32(r.Intn(3) - 1)
		send(protocol.RegionMsg{Type: protocol.TypeRegion, ProtocolVersion: protocol.Version, Center: center, Radius: radius})
	}
}
