// Package wire is the peer protocol: length-prefixed JSON envelopes and the
// message vocabulary exchanged over a peer session.
//
// A frame is a 4-byte big-endian payload length followed by the payload,
// which is always a JSON object of shape {"type": ..., "data": {...}}.
package wire

import (
	"encoding/binary"
	"io"

	json "github.com/goccy/go-json"

	"github.com/weftworks/weft/internal/werr"
)

// MaxFrame bounds a single frame's payload. Chunk bodies are at most 4 MiB
// raw, so their base64 form plus envelope overhead sits well under this.
const MaxFrame = 16 << 20

// Envelope is the outer shape of every frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the envelope's data object into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return werr.Wrap(err, werr.KindProtocolViolation, "decode %s payload", e.Type)
	}
	return nil
}

// WriteFrame encodes {type, data} as one frame on w. Callers serialize
// writes per stream; the codec itself is not locked.
func WriteFrame(w io.Writer, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return werr.Wrap(err, werr.KindProtocolViolation, "encode %s payload", typ)
	}
	payload, err := json.Marshal(Envelope{Type: typ, Data: raw})
	if err != nil {
		return werr.Wrap(err, werr.KindProtocolViolation, "encode %s envelope", typ)
	}
	if len(payload) > MaxFrame {
		return werr.New(werr.KindProtocolViolation, "%s frame is %d bytes, limit %d", typ, len(payload), MaxFrame)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one frame from r. Oversize and empty frames are protocol
// violations; transport errors (including io.EOF on a clean close) pass
// through untouched.
func ReadFrame(r io.Reader) (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return Envelope{}, werr.New(werr.KindProtocolViolation, "empty frame")
	}
	if n > MaxFrame {
		return Envelope{}, werr.New(werr.KindProtocolViolation, "frame of %d bytes exceeds limit %d", n, MaxFrame)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, werr.Wrap(err, werr.KindTransportReset, "short frame")
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, werr.Wrap(err, werr.KindProtocolViolation, "malformed frame")
	}
	if env.Type == "" {
		return Envelope{}, werr.New(werr.KindProtocolViolation, "frame without type")
	}
	return env, nil
}
