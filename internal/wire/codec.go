// Package wire encodes the frames peers exchange through a room. Frames
// are JSON: struct fields encode in declaration order and map keys sorted,
// so the same frame always produces the same bytes. Unknown fields are
// ignored on decode so that newer peers can talk to older ones.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"roomsync/internal/crdt"
	"roomsync/internal/models"
	"roomsync/internal/presence"
)

var ErrMalformed = errors.New("wire: malformed frame")

// SyncPayload carries a replica's whole operation log.
type SyncPayload struct {
	Log []crdt.Batch `json:"log"`
}

// Encode serializes a frame.
func Encode(f models.Frame) ([]byte, error) {
	if f.Version == 0 {
		f.Version = models.ProtocolVersion
	}
	return json.Marshal(f)
}

// Decode parses a frame envelope. The payload is left raw; use the
// typed decoders below to read it.
func Decode(data []byte) (models.Frame, error) {
	var f models.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Version < 1 || f.Type == "" {
		return f, fmt.Errorf("%w: missing version or type", ErrMalformed)
	}
	return f, nil
}

// NewFrame builds a frame of type t carrying payload, addressed to peer
// to (empty for the whole room).
func NewFrame(t models.MessageType, to string, payload any) (models.Frame, error) {
	f := models.Frame{Version: models.ProtocolVersion, Type: t, To: to}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return f, err
	}
	f.Payload = raw
	return f, nil
}

// EncodeSync builds a sync frame with log for peer to.
func EncodeSync(to string, log []crdt.Batch) ([]byte, error) {
	if log == nil {
		log = []crdt.Batch{}
	}
	return encode(models.MessageTypeSync, to, SyncPayload{Log: log})
}

// EncodeSyncChunks splits log across as many sync frames as it takes to
// keep each frame within limit bytes. Batches are never split, so a batch
// that alone exceeds limit gets a frame of its own and the caller decides
// what to do with it. An empty log still yields one frame.
func EncodeSyncChunks(to string, log []crdt.Batch, limit int) ([][]byte, error) {
	if limit <= 0 || len(log) == 0 {
		frame, err := EncodeSync(to, log)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}
	empty, err := EncodeSync(to, nil)
	if err != nil {
		return nil, err
	}

	var frames [][]byte
	flush := func(chunk []crdt.Batch) error {
		frame, err := EncodeSync(to, chunk)
		if err != nil {
			return err
		}
		frames = append(frames, frame)
		return nil
	}
	start, size := 0, len(empty)
	for i, b := range log {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, err
		}
		// one comma per batch after the first
		n := len(data)
		if i > start {
			n++
		}
		if i > start && size+n > limit {
			if err := flush(log[start:i]); err != nil {
				return nil, err
			}
			start, size, n = i, len(empty), len(data)
		}
		size += n
	}
	if err := flush(log[start:]); err != nil {
		return nil, err
	}
	return frames, nil
}

// EncodeSignal builds a signal frame for peer to. The payload belongs to
// the direct link being negotiated and is passed through untouched.
func EncodeSignal(to string, payload json.RawMessage) ([]byte, error) {
	return encode(models.MessageTypeSignal, to, payload)
}

// EncodeBatch builds a batch frame for the whole room.
func EncodeBatch(b crdt.Batch) ([]byte, error) {
	return encode(models.MessageTypeBatch, "", b)
}

// EncodePresence builds a presence frame. An empty to broadcasts.
func EncodePresence(to string, u presence.Update) ([]byte, error) {
	return encode(models.MessageTypePresence, to, u)
}

func encode(t models.MessageType, to string, payload any) ([]byte, error) {
	f, err := NewFrame(t, to, payload)
	if err != nil {
		return nil, err
	}
	return Encode(f)
}

// DecodeSync reads the payload of a sync frame.
func DecodeSync(f models.Frame) ([]crdt.Batch, error) {
	var p SyncPayload
	if err := payload(f, models.MessageTypeSync, &p); err != nil {
		return nil, err
	}
	return p.Log, nil
}

// DecodeBatch reads the payload of a batch frame.
func DecodeBatch(f models.Frame) (crdt.Batch, error) {
	var b crdt.Batch
	err := payload(f, models.MessageTypeBatch, &b)
	return b, err
}

// DecodePresence reads the payload of a presence frame.
func DecodePresence(f models.Frame) (presence.Update, error) {
	var u presence.Update
	err := payload(f, models.MessageTypePresence, &u)
	return u, err
}

// DecodeSignal returns the raw negotiation payload of a signal frame.
func DecodeSignal(f models.Frame) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := payload(f, models.MessageTypeSignal, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DecodeWelcome reads the peer list of a welcome frame.
func DecodeWelcome(f models.Frame) ([]string, error) {
	var p models.WelcomePayload
	err := payload(f, models.MessageTypeWelcome, &p)
	return p.Peers, err
}

// DecodePeer reads the subject of a peer-joined or peer-left frame.
func DecodePeer(f models.Frame) (string, error) {
	if f.Type != models.MessageTypePeerJoined && f.Type != models.MessageTypePeerLeft {
		return "", fmt.Errorf("%w: %s is not a membership event", ErrMalformed, f.Type)
	}
	var p models.PeerPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return "", fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Type, err)
	}
	if p.Peer == "" {
		return "", fmt.Errorf("%w: %s without peer", ErrMalformed, f.Type)
	}
	return p.Peer, nil
}

func payload(f models.Frame, want models.MessageType, v any) error {
	if f.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformed, want, f.Type)
	}
	if len(bytes.TrimSpace(f.Payload)) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, f.Type, err)
	}
	return nil
}
