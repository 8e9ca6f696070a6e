// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Terminator ends the decimal length header.
const Terminator = '!'

// DefaultTimeout is the per-operation read and write deadline.
const DefaultTimeout = 10 * time.Second

// DefaultMaxFrameSize bounds a single payload. A request or response
// larger than this is a protocol violation rather than an allocation.
const DefaultMaxFrameSize = 1024 * 1024

// maxHeaderDigits is the longest decimal header accepted. Ten digits
// covers every int32 length; anything longer cannot parse anyway.
const maxHeaderDigits = 10

var (
	// ErrProtocol reports a malformed frame header: a non-digit byte,
	// or an empty or unparseable length.
	ErrProtocol = errors.New("frame protocol violation")

	// ErrFrameTooLarge reports a declared length above the codec's
	// maximum frame size.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrTimeout reports that a single read or write exceeded its
	// deadline.
	ErrTimeout = errors.New("frame operation timed out")
)

// Conn is the subset of net.Conn the codec needs.
type Conn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Options configures a Codec. Zero values select the defaults.
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

// Codec reads and writes frames on one connection. A Codec is owned by
// a single goroutine; it is not safe for concurrent use.
type Codec struct {
	conn         Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxFrameSize int
	oneByte      [1]byte
}

// New returns a Codec over conn.
func New(conn Conn, options Options) *Codec {
	codec := &Codec{
		conn:         conn,
		readTimeout:  options.ReadTimeout,
		writeTimeout: options.WriteTimeout,
		maxFrameSize: options.MaxFrameSize,
	}
	if codec.readTimeout <= 0 {
		codec.readTimeout = DefaultTimeout
	}
	if codec.writeTimeout <= 0 {
		codec.writeTimeout = DefaultTimeout
	}
	if codec.maxFrameSize <= 0 {
		codec.maxFrameSize = DefaultMaxFrameSize
	}
	return codec
}

// ReadFrame reads one frame and returns its payload. The payload is
// returned as sent; the codec does not inspect its encoding.
//
// If the peer closes the stream before sending any header byte,
// ReadFrame returns io.EOF unwrapped. A close anywhere after that
// returns an error wrapping io.ErrUnexpectedEOF.
func (c *Codec) ReadFrame() ([]byte, error) {
	size, err := c.readHeader()
	if err != nil {
		return nil, err
	}

	payload := make([]byte, size)
	read := 0
	for read < size {
		n, err := c.read(payload[read:])
		read += n
		if read == size {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("reading frame payload (%d of %d bytes): %w", read, size, io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return payload, nil
}

// readHeader consumes the decimal length and its terminator.
func (c *Codec) readHeader() (int, error) {
	digits := make([]byte, 0, maxHeaderDigits)
	for {
		n, err := c.read(c.oneByte[:])
		if n == 0 {
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				if len(digits) == 0 {
					return 0, io.EOF
				}
				return 0, fmt.Errorf("reading frame header: %w", io.ErrUnexpectedEOF)
			}
			return 0, fmt.Errorf("reading frame header: %w", err)
		}

		b := c.oneByte[0]
		if b == Terminator {
			break
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("%w: invalid header byte %q", ErrProtocol, b)
		}
		if len(digits) == maxHeaderDigits {
			return 0, fmt.Errorf("%w: header longer than %d digits", ErrProtocol, maxHeaderDigits)
		}
		digits = append(digits, b)
	}

	size, err := strconv.ParseInt(string(digits), 10, 32)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: invalid frame size %q", ErrProtocol, digits)
	}
	if int(size) > c.maxFrameSize {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, c.maxFrameSize)
	}
	return int(size), nil
}

// read performs one Read under a fresh read deadline.
func (c *Codec) read(buffer []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, fmt.Errorf("setting read deadline: %w", err)
	}
	n, err := c.conn.Read(buffer)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, fmt.Errorf("%w: read exceeded %v: %w", ErrTimeout, c.readTimeout, err)
	}
	return n, err
}

// WriteFrame writes payload as one frame: the header, then the payload,
// each under its own write deadline, then a flush if the underlying
// connection buffers.
func (c *Codec) WriteFrame(payload []byte) error {
	header := strconv.AppendInt(make([]byte, 0, maxHeaderDigits+1), int64(len(payload)), 10)
	header = append(header, Terminator)

	if err := c.write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if err := c.write(payload); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}

	if flusher, ok := c.conn.(interface{ Flush() error }); ok {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
		if err := flusher.Flush(); err != nil {
			return fmt.Errorf("flushing frame: %w", c.classifyWrite(err))
		}
	}
	return nil
}

// write writes all of data under one write deadline.
func (c *Codec) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if err != nil {
			return c.classifyWrite(err)
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

func (c *Codec) classifyWrite(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: write exceeded %v: %w", ErrTimeout, c.writeTimeout, err)
	}
	return err
}
