package rtc

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Chunk bytes travel peer to peer as fixed-size data channel messages
// terminated by an empty message; the server only ever brokered the
// handshake.
const (
	// FrameSize is the data channel message size for chunk transfer.
	FrameSize = 16 * 1024

	// SendLinger keeps the sender's channel open after the final frame so
	// buffered messages drain before teardown.
	SendLinger = 10 * time.Second
)

// ErrHashMismatch reports that received chunk bytes do not hash to the
// advertised chunk id.
var ErrHashMismatch = errors.New("chunk hash mismatch")

// ChunkHash derives the advertised id of a chunk from its bytes.
func ChunkHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SendChunk streams a chunk as FrameSize messages followed by an empty
// terminator. Each Write is one data channel message; the writer must be a
// detached data channel or equivalent message-oriented stream.
func SendChunk(w io.Writer, data []byte) error {
	for off := 0; off < len(data); off += FrameSize {
		end := off + FrameSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := w.Write(data[off:end]); err != nil {
			return fmt.Errorf("write frame at %d: %w", off, err)
		}
	}
	if _, err := w.Write(nil); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

// ReceiveChunk reads messages until the empty terminator and verifies the
// result against the advertised hash. maxSize bounds how much a misbehaving
// peer can make us buffer.
func ReceiveChunk(r io.Reader, hash string, maxSize int) ([]byte, error) {
	buf := make([]byte, FrameSize)
	var data []byte
	for {
		n, err := r.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if n == 0 {
			break
		}
		if len(data)+n > maxSize {
			return nil, fmt.Errorf("chunk exceeds %d bytes", maxSize)
		}
		data = append(data, buf[:n]...)
	}

	if ChunkHash(data) != hash {
		return nil, ErrHashMismatch
	}
	return data, nil
}
