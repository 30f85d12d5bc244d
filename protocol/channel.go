package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// maxLineSize bounds a single message. Larger lines fail the read.
const maxLineSize = 16 * 1024 * 1024

// Channel frames JSON messages as lines over a reader/writer pair.
//
// Writes are serialized. Reads are serialized too, but the protocol expects
// callers to pair every Send with exactly one Read before the next Send.
type Channel struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewChannel creates a channel reading from r and writing to w.
func NewChannel(r io.Reader, w io.Writer) *Channel {
	return &Channel{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
	}
}

// Send writes a request.
func (c *Channel) Send(req *Request) error {
	return c.Write(req)
}

// Read blocks for the next response.
func (c *Channel) Read() (*Response, error) {
	var resp Response
	if err := c.readInto(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReadRequest blocks for the next request. Used on the worker side.
func (c *Channel) ReadRequest() (*Request, error) {
	var req Request
	if err := c.readInto(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Write marshals msg and writes it as one line in a single Write call.
func (c *Channel) Write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Channel) readInto(v any) error {
	line, err := c.readLine()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// readLine returns the next line without its terminator. A stream that ends
// before a line completes yields io.ErrUnexpectedEOF; a stream that ends
// cleanly between lines yields io.EOF.
func (c *Channel) readLine() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, maxLineSize)
		}
		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				return nil, fmt.Errorf("read message: %w", io.ErrUnexpectedEOF)
			}
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("read message: %w", err)
		}
	}
}
