// Package protocol implements the binary wire format. Framing is
// little-endian throughout and byte-exact: decoders verify length and
// message type before touching fields.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"arena/internal/game"
)

// Message types.
const (
	MsgInput             byte = 0x01
	MsgStateSnapshot     byte = 0x02
	MsgStateDelta        byte = 0x03
	MsgClockSyncRequest  byte = 0x04
	MsgClockSyncResponse byte = 0x05
	MsgInputAck          byte = 0x06
	MsgFullStateRequest  byte = 0x07
	MsgPlayerEvent       byte = 0x08
	MsgMatchEvent        byte = 0x09
	MsgKeepalive         byte = 0x0a
)

// Fixed frame sizes.
const (
	InputPacketSize       = 24
	SnapshotHeaderSize    = 15
	SnapshotPlayerSize    = 36
	SnapshotScoreSize     = 6
	ClockSyncRequestSize  = 9
	ClockSyncResponseSize = 17
	InputAckSize          = 5
)

// EncodeInput serializes one input packet (24 bytes). Movement axes are
// clamped to [-1, 1] and quantized to i8/127.
func EncodeInput(p game.InputPacket) []byte {
	buf := make([]byte, InputPacketSize)
	buf[0] = MsgInput
	binary.LittleEndian.PutUint32(buf[1:5], p.SequenceNumber)
	binary.LittleEndian.PutUint32(buf[5:9], p.TickNumber)
	buf[9] = byte(quantizeAxis(p.MovementX))
	buf[10] = byte(quantizeAxis(p.MovementY))
	binary.LittleEndian.PutUint16(buf[11:13], uint16(p.LookDeltaX))
	binary.LittleEndian.PutUint16(buf[13:15], uint16(p.LookDeltaY))
	buf[15] = p.Buttons
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(p.ClientTimestamp))
	return buf
}

// DecodeInput parses one input packet.
func DecodeInput(buf []byte) (game.InputPacket, error) {
	if len(buf) < InputPacketSize {
		return game.InputPacket{}, fmt.Errorf("%w: input needs %d bytes, got %d", game.ErrBufferTooSmall, InputPacketSize, len(buf))
	}
	if buf[0] != MsgInput {
		return game.InputPacket{}, fmt.Errorf("%w: expected 0x%02x, got 0x%02x", game.ErrInvalidMessageType, MsgInput, buf[0])
	}

	return game.InputPacket{
		SequenceNumber:  binary.LittleEndian.Uint32(buf[1:5]),
		TickNumber:      binary.LittleEndian.Uint32(buf[5:9]),
		MovementX:       dequantizeAxis(int8(buf[9])),
		MovementY:       dequantizeAxis(int8(buf[10])),
		LookDeltaX:      int16(binary.LittleEndian.Uint16(buf[11:13])),
		LookDeltaY:      int16(binary.LittleEndian.Uint16(buf[13:15])),
		Buttons:         buf[15],
		ClientTimestamp: math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// EncodeSnapshot serializes a state snapshot: 15-byte header, 36 bytes per
// player, then the score table. Per-player float fields are float32 on the
// wire; the server timestamp is float64.
func EncodeSnapshot(s game.StateSnapshot) []byte {
	size := SnapshotHeaderSize + len(s.Players)*SnapshotPlayerSize + 1 + len(s.Scores)*SnapshotScoreSize
	buf := make([]byte, size)

	buf[0] = MsgStateSnapshot
	binary.LittleEndian.PutUint32(buf[1:5], s.TickNumber)
	binary.LittleEndian.PutUint64(buf[5:13], math.Float64bits(s.ServerTimestamp))
	buf[13] = s.MatchState
	buf[14] = uint8(len(s.Players))

	off := SnapshotHeaderSize
	for _, p := range s.Players {
		binary.LittleEndian.PutUint16(buf[off:], p.EntityID)
		putFloat32(buf[off+2:], p.Position.X)
		putFloat32(buf[off+6:], p.Position.Y)
		putFloat32(buf[off+10:], p.Position.Z)
		putFloat32(buf[off+14:], p.Pitch)
		putFloat32(buf[off+18:], p.Yaw)
		putFloat32(buf[off+22:], p.Velocity.X)
		putFloat32(buf[off+26:], p.Velocity.Y)
		putFloat32(buf[off+30:], p.Velocity.Z)
		buf[off+34] = p.Health
		buf[off+35] = p.StateFlags
		off += SnapshotPlayerSize
	}

	buf[off] = uint8(len(s.Scores))
	off++
	for _, id := range sortedScoreIDs(s.Scores) {
		binary.LittleEndian.PutUint16(buf[off:], id)
		binary.LittleEndian.PutUint32(buf[off+2:], s.Scores[id])
		off += SnapshotScoreSize
	}
	return buf
}

// DecodeSnapshot parses a state snapshot, validating the declared player
// and score counts against the actual length.
func DecodeSnapshot(buf []byte) (game.StateSnapshot, error) {
	if len(buf) < SnapshotHeaderSize {
		return game.StateSnapshot{}, fmt.Errorf("%w: snapshot header needs %d bytes, got %d", game.ErrBufferTooSmall, SnapshotHeaderSize, len(buf))
	}
	if buf[0] != MsgStateSnapshot {
		return game.StateSnapshot{}, fmt.Errorf("%w: expected 0x%02x, got 0x%02x", game.ErrInvalidMessageType, MsgStateSnapshot, buf[0])
	}

	s := game.StateSnapshot{
		TickNumber:      binary.LittleEndian.Uint32(buf[1:5]),
		ServerTimestamp: math.Float64frombits(binary.LittleEndian.Uint64(buf[5:13])),
		MatchState:      buf[13],
	}
	playerCount := int(buf[14])

	off := SnapshotHeaderSize
	if len(buf) < off+playerCount*SnapshotPlayerSize+1 {
		return game.StateSnapshot{}, fmt.Errorf("%w: snapshot declares %d players", game.ErrSchemaMismatch, playerCount)
	}

	for i := 0; i < playerCount; i++ {
		p := game.PlayerState{
			EntityID: binary.LittleEndian.Uint16(buf[off:]),
			Position: game.Vec3{
				X: getFloat32(buf[off+2:]),
				Y: getFloat32(buf[off+6:]),
				Z: getFloat32(buf[off+10:]),
			},
			Pitch: getFloat32(buf[off+14:]),
			Yaw:   getFloat32(buf[off+18:]),
			Velocity: game.Vec3{
				X: getFloat32(buf[off+22:]),
				Y: getFloat32(buf[off+26:]),
				Z: getFloat32(buf[off+30:]),
			},
			Health:     buf[off+34],
			StateFlags: buf[off+35],
		}
		s.Players = append(s.Players, p)
		off += SnapshotPlayerSize
	}

	scoreCount := int(buf[off])
	off++
	if len(buf) < off+scoreCount*SnapshotScoreSize {
		return game.StateSnapshot{}, fmt.Errorf("%w: snapshot declares %d scores", game.ErrSchemaMismatch, scoreCount)
	}

	s.Scores = make(map[uint16]uint32, scoreCount)
	for i := 0; i < scoreCount; i++ {
		id := binary.LittleEndian.Uint16(buf[off:])
		s.Scores[id] = binary.LittleEndian.Uint32(buf[off+2:])
		off += SnapshotScoreSize
	}
	return s, nil
}

// EncodeClockSyncRequest serializes a client sync probe.
func EncodeClockSyncRequest(clientTime float64) []byte {
	buf := make([]byte, ClockSyncRequestSize)
	buf[0] = MsgClockSyncRequest
	binary.LittleEndian.PutUint64(buf[1:9], math.Float64bits(clientTime))
	return buf
}

// DecodeClockSyncRequest parses a client sync probe.
func DecodeClockSyncRequest(buf []byte) (clientTime float64, err error) {
	if len(buf) < ClockSyncRequestSize {
		return 0, fmt.Errorf("%w: clock sync request needs %d bytes, got %d", game.ErrBufferTooSmall, ClockSyncRequestSize, len(buf))
	}
	if buf[0] != MsgClockSyncRequest {
		return 0, fmt.Errorf("%w: expected 0x%02x, got 0x%02x", game.ErrInvalidMessageType, MsgClockSyncRequest, buf[0])
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[1:9])), nil
}

// EncodeClockSyncResponse echoes the client time alongside the server time.
func EncodeClockSyncResponse(clientTime, serverTime float64) []byte {
	buf := make([]byte, ClockSyncResponseSize)
	buf[0] = MsgClockSyncResponse
	binary.LittleEndian.PutUint64(buf[1:9], math.Float64bits(clientTime))
	binary.LittleEndian.PutUint64(buf[9:17], math.Float64bits(serverTime))
	return buf
}

// DecodeClockSyncResponse parses a sync response.
func DecodeClockSyncResponse(buf []byte) (clientTime, serverTime float64, err error) {
	if len(buf) < ClockSyncResponseSize {
		return 0, 0, fmt.Errorf("%w: clock sync response needs %d bytes, got %d", game.ErrBufferTooSmall, ClockSyncResponseSize, len(buf))
	}
	if buf[0] != MsgClockSyncResponse {
		return 0, 0, fmt.Errorf("%w: expected 0x%02x, got 0x%02x", game.ErrInvalidMessageType, MsgClockSyncResponse, buf[0])
	}
	clientTime = math.Float64frombits(binary.LittleEndian.Uint64(buf[1:9]))
	serverTime = math.Float64frombits(binary.LittleEndian.Uint64(buf[9:17]))
	return clientTime, serverTime, nil
}

// EncodeInputAck serializes an input acknowledgement.
func EncodeInputAck(sequence uint32) []byte {
	buf := make([]byte, InputAckSize)
	buf[0] = MsgInputAck
	binary.LittleEndian.PutUint32(buf[1:5], sequence)
	return buf
}

// DecodeInputAck parses an input acknowledgement.
func DecodeInputAck(buf []byte) (uint32, error) {
	if len(buf) < InputAckSize {
		return 0, fmt.Errorf("%w: input ack needs %d bytes, got %d", game.ErrBufferTooSmall, InputAckSize, len(buf))
	}
	if buf[0] != MsgInputAck {
		return 0, fmt.Errorf("%w: expected 0x%02x, got 0x%02x", game.ErrInvalidMessageType, MsgInputAck, buf[0])
	}
	return binary.LittleEndian.Uint32(buf[1:5]), nil
}

// Player event subtypes carried in MsgPlayerEvent frames.
const (
	PlayerEventWelcome byte = 0x01 // server → client, announces the assigned entity id
)

// PlayerEventSize is the fixed player event frame size.
const PlayerEventSize = 4

// EncodePlayerEvent serializes a player event frame.
func EncodePlayerEvent(eventType byte, playerID uint16) []byte {
	buf := make([]byte, PlayerEventSize)
	buf[0] = MsgPlayerEvent
	buf[1] = eventType
	binary.LittleEndian.PutUint16(buf[2:4], playerID)
	return buf
}

// DecodePlayerEvent parses a player event frame.
func DecodePlayerEvent(buf []byte) (eventType byte, playerID uint16, err error) {
	if len(buf) < PlayerEventSize {
		return 0, 0, fmt.Errorf("%w: player event needs %d bytes, got %d", game.ErrBufferTooSmall, PlayerEventSize, len(buf))
	}
	if buf[0] != MsgPlayerEvent {
		return 0, 0, fmt.Errorf("%w: expected 0x%02x, got 0x%02x", game.ErrInvalidMessageType, MsgPlayerEvent, buf[0])
	}
	return buf[1], binary.LittleEndian.Uint16(buf[2:4]), nil
}

// EncodeKeepalive returns the single-byte keepalive frame.
func EncodeKeepalive() []byte { return []byte{MsgKeepalive} }

// EncodeFullStateRequest returns the single-byte full state request frame.
func EncodeFullStateRequest() []byte { return []byte{MsgFullStateRequest} }

// MessageType returns a frame's type byte.
func MessageType(buf []byte) (byte, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty frame", game.ErrBufferTooSmall)
	}
	return buf[0], nil
}

func quantizeAxis(v float64) int8 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int8(math.Round(v * 127))
}

func dequantizeAxis(v int8) float64 {
	return float64(v) / 127
}

func putFloat32(buf []byte, v float64) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
}

func getFloat32(buf []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
}

func sortedScoreIDs(scores map[uint16]uint32) []uint16 {
	ids := make([]uint16, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
