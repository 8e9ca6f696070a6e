// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package client calls the command broker. Each call opens a new
// connection, writes one request frame, reads one response frame, and
// closes the connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/controlledadmin/cacd/lib/dispatch"
	"github.com/controlledadmin/cacd/lib/frame"
)

// DefaultDialTimeout bounds the connect phase.
const DefaultDialTimeout = 5 * time.Second

// DefaultResponseTimeout is how long a single read may wait. The first
// read of the response spans the whole script run, so it is much
// longer than the broker's own per-read timeout.
const DefaultResponseTimeout = 2 * time.Minute

// DefaultMaxResponseSize bounds a response frame. It covers the largest
// script output the broker forwards plus envelope overhead.
const DefaultMaxResponseSize = 8 * 1024 * 1024

// CommandError is returned by Call when the broker answers with
// CommandError true.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Message)
}

// Options configures a Client. Zero values select the defaults.
type Options struct {
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	WriteTimeout    time.Duration
	MaxResponseSize int
}

// Client sends requests to a broker socket.
type Client struct {
	socketPath string
	options    Options
}

// New returns a client for the broker listening on socketPath.
func New(socketPath string, options Options) *Client {
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}
	if options.ResponseTimeout <= 0 {
		options.ResponseTimeout = DefaultResponseTimeout
	}
	if options.MaxResponseSize <= 0 {
		options.MaxResponseSize = DefaultMaxResponseSize
	}
	return &Client{socketPath: socketPath, options: options}
}

// Call runs command with args and returns the response envelope. When
// the broker reports CommandError, Call returns the envelope together
// with a *CommandError.
func (c *Client) Call(ctx context.Context, command string, args []string) (dispatch.Envelope, error) {
	if args == nil {
		args = []string{}
	}
	request, err := dispatch.MarshalRequest(dispatch.Request{Command: command, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	response, err := c.CallRaw(ctx, request)
	if err != nil {
		return nil, err
	}

	envelope, err := dispatch.ParseEnvelope(response)
	if err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if envelope.CommandError() {
		return envelope, &CommandError{Command: command, Message: envelope.Message()}
	}
	return envelope, nil
}

// CallRaw sends payload as one frame and returns the response payload
// unparsed. The broker closes the connection without a response when it
// cannot identify the caller; CallRaw reports that as ErrNoResponse.
func (c *Client) CallRaw(ctx context.Context, payload []byte) ([]byte, error) {
	dialer := net.Dialer{Timeout: c.options.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	// Unblock reads and writes when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	codec := frame.New(conn, frame.Options{
		ReadTimeout:  c.options.ResponseTimeout,
		WriteTimeout: c.options.WriteTimeout,
		MaxFrameSize: c.options.MaxResponseSize,
	})

	if err := codec.WriteFrame(payload); err != nil {
		return nil, c.contextError(ctx, fmt.Errorf("sending request: %w", err))
	}

	response, err := codec.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoResponse
		}
		return nil, c.contextError(ctx, fmt.Errorf("reading response: %w", err))
	}
	return response, nil
}

// ErrNoResponse is returned when the broker closes the connection
// without answering.
var ErrNoResponse = errors.New("broker closed the connection without a response")

func (c *Client) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
