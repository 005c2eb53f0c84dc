// Package broker owns the local socket pair to the broker bridge: a
// request/reply socket for order operations and a one-way stream socket for
// ticks, position updates, account snapshots, fills, and server bars.
package broker

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"unicode/utf8"

	"github.com/atlas-desktop/executor-agent/internal/errs"
)

// MaxFrameSize caps a single wire frame at 256 KiB. Larger frames are
// drained off the socket and discarded so framing stays aligned.
const MaxFrameSize = 256 << 10

// WriteFrame encodes v as JSON and writes it with a 4-byte big-endian
// length prefix.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.KindMalformed, "encode frame", err)
	}
	if len(payload) > MaxFrameSize {
		return errs.Newf(errs.KindMalformed, "frame size %d exceeds limit", len(payload))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return errs.Wrap(errs.KindDisconnected, "write frame prefix", err)
	}
	if _, err := w.Write(payload); err != nil {
		return errs.Wrap(errs.KindDisconnected, "write frame payload", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. An oversized frame is drained
// and reported as Malformed so the caller can keep reading; I/O failures
// are Disconnected.
func ReadFrame(r io.Reader) (json.RawMessage, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errs.Wrap(errs.KindDisconnected, "read frame prefix", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return nil, errs.Wrap(errs.KindDisconnected, "drain oversized frame", err)
		}
		return nil, errs.Newf(errs.KindMalformed, "frame size %d exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errs.Wrap(errs.KindDisconnected, "read frame payload", err)
	}
	if !utf8.Valid(payload) {
		return nil, errs.New(errs.KindMalformed, "frame is not valid UTF-8")
	}
	return payload, nil
}
