package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameLen bounds a single frame, guarding against a corrupt
// length prefix turning into an unbounded allocation.
const maxFrameLen = 4 << 20

// Codec implements the length-prefixed framing of spec.md §6: a
// 4-byte little-endian length prefix followed by a JSON payload,
// grounded on the retrieved mediasoup-go binding's
// netcodec.NetLVCodec length-value framing, re-expressed for JSON
// instead of that codec's raw byte payloads since this module's
// payload shaping is JSON end to end.
type Codec struct {
	w  io.Writer
	r  io.Reader
	mu sync.Mutex
}

func NewCodec(w io.Writer, r io.Reader) *Codec {
	return &Codec{w: w, r: r}
}

// WriteFrame marshals v to JSON and writes it length-prefixed.
func (c *Codec) WriteFrame(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameLen {
		return fmt.Errorf("control: frame too large (%d bytes)", len(payload))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = c.w.Write(payload)
	return err
}

// ReadFrame blocks for the next length-prefixed frame and unmarshals
// it into v.
func (c *Codec) ReadFrame(v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > maxFrameLen {
		return fmt.Errorf("control: frame too large (%d bytes)", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// RawFrame reads the next frame's raw bytes without unmarshaling them.
func (c *Codec) RawFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > maxFrameLen {
		return nil, fmt.Errorf("control: frame too large (%d bytes)", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
