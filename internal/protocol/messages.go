package protocol

import "voxelgrid.dev/internal/sim/voxel"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Identity        string `json:"identity"`
}

// CHALLENGE (server -> client)
type ChallengeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Salt            []byte `json:"salt"`
	Nonce           []byte `json:"nonce"`
}

// AUTH (client -> server)
type AuthMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Proof           []byte `json:"proof"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	KeyID           string `json:"key_id"`
	BlockSize       int    `json:"block_size"`
	Seed            int64  `json:"seed"`
	MaxRegionBlocks int    `json:"max_region_blocks"`
}

// REGION (client -> server): the blocks within Radius block units of Center.
type RegionMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Center          [3]int32 `json:"center"`
	Radius          float64  `json:"radius"`
}

// BLOCK (server -> client). Data holds the codec bytes of the block at Revision.
type BlockMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Pos             [3]int32 `json:"pos"`
	Revision        uint64   `json:"revision"`
	Data            []byte   `json:"data"`
}

// UNLOAD (server -> client)
type UnloadMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Pos             [3]int32 `json:"pos"`
}

// ACK (client -> server)
type AckMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Pos             [3]int32 `json:"pos"`
	Revision        uint64   `json:"revision"`
}

// ENTITY (server -> client, unreliable)
type EntityMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Pos             [3]int32     `json:"pos"`
	Entity          voxel.Entity `json:"entity"`
}

// ERROR (server -> client), sent right before the server closes the session.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func PosOf(p voxel.Pos) [3]int32 { return [3]int32{p.X, p.Y, p.Z} }

func ToPos(a [3]int32) voxel.Pos { return voxel.Pos{X: a[0], Y: a[1], Z: a[2]} }
