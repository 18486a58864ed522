// Package agent defines the contract between the session coordinator and an
// agent runtime: runs that produce chunk streams and may pause for approval.
package agent

import (
	"context"
	"io"
)

// Runtime is an agent execution backend.
//
// Every call returns a fresh Stream for a new run. A run that stops on an
// approval request is continued with Approve or Decline using the run id
// carried by that request.
type Runtime interface {
	// StartRun begins a run for a session.
	StartRun(ctx context.Context, sessionID string, fc Context) (Stream, error)

	// Approve continues the run identified by runID after its pending tool
	// call was approved.
	Approve(ctx context.Context, runID string, fc Context) (Stream, error)

	// Decline continues the run identified by runID after its pending tool
	// call was refused.
	Decline(ctx context.Context, runID string, fc Context) (Stream, error)
}

// Stream is a pull-based chunk stream.
type Stream interface {
	// Next blocks until the next chunk is available. It returns io.EOF at the
	// natural end of the stream and ctx.Err() if ctx is done first.
	Next(ctx context.Context) (Chunk, error)

	// RunID identifies the run producing this stream.
	RunID() string

	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// SliceStream replays a fixed list of chunks. Useful for runtimes that
// compute a whole segment up front and for tests.
type SliceStream struct {
	runID  string
	chunks []Chunk
	pos    int
	closed bool
}

// NewSliceStream creates a stream over chunks. Chunks without a RunID get
// runID stamped on them.
func NewSliceStream(runID string, chunks ...Chunk) *SliceStream {
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if c.RunID == "" {
			c.RunID = runID
		}
		out[i] = c
	}
	return &SliceStream{runID: runID, chunks: out}
}

// Next implements Stream.
func (s *SliceStream) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.closed || s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// RunID implements Stream.
func (s *SliceStream) RunID() string { return s.runID }

// Close implements Stream.
func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
