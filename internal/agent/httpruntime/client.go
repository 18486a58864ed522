// Package httpruntime is an agent.Runtime backed by a remote HTTP service
// that streams NDJSON chunks.
//
// Endpoints:
//
//	POST /runs               {"session_id": "...", "context": [...]}
//	POST /runs/{id}/approve  {"session_id": "", "context": [...]}
//	POST /runs/{id}/decline  {"session_id": "", "context": [...]}
//
// Each answers 200 with one JSON chunk per line. The run id is taken from
// the X-Run-ID header. A line of the form {"error": "..."} fails the stream.
package httpruntime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"deckhand/internal/agent"
)

// RunIDHeader carries the id of the run producing a response stream.
const RunIDHeader = "X-Run-ID"

const (
	maxLineSize  = 4 << 20
	maxErrorBody = 4 << 10
)

var (
	// ErrUnknownRun is returned when the service does not know the run.
	ErrUnknownRun = errors.New("httpruntime: unknown run")
	// ErrMissingRunID is returned when a response carries no run id.
	ErrMissingRunID = errors.New("httpruntime: response has no run id")
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("httpruntime: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("httpruntime: unexpected status %d: %s", e.StatusCode, e.Body)
}

// RemoteError is a failure reported inside the stream.
type RemoteError struct {
	RunID string
	Msg   string
}

func (e *RemoteError) Error() string { return e.Msg }

// Options configures a Client.
type Options struct {
	// Endpoint is the service base URL.
	Endpoint string
	// Timeout bounds the wait for response headers. Streams themselves are
	// not limited.
	Timeout time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	// Header is added to every request.
	Header http.Header
}

// Client implements agent.Runtime over HTTP.
type Client struct {
	base   *url.URL
	http   *http.Client
	header http.Header
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("httpruntime: endpoint is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpruntime: invalid endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("httpruntime: endpoint scheme must be http or https, got %q", base.Scheme)
	}

	hc := opts.HTTPClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = opts.Timeout
		hc = &http.Client{Transport: transport}
	}
	return &Client{base: base, http: hc, header: opts.Header.Clone()}, nil
}

type runRequest struct {
	SessionID string        `json:"session_id,omitempty"`
	Context   agent.Context `json:"context"`
}

// StartRun implements agent.Runtime.
func (c *Client) StartRun(ctx context.Context, sessionID string, fc agent.Context) (agent.Stream, error) {
	return c.post(ctx, "/runs", runRequest{SessionID: sessionID, Context: fc})
}

// Approve implements agent.Runtime.
func (c *Client) Approve(ctx context.Context, runID string, fc agent.Context) (agent.Stream, error) {
	return c.post(ctx, "/runs/"+url.PathEscape(runID)+"/approve", runRequest{Context: fc})
}

// Decline implements agent.Runtime.
func (c *Client) Decline(ctx context.Context, runID string, fc agent.Context) (agent.Stream, error) {
	return c.post(ctx, "/runs/"+url.PathEscape(runID)+"/decline", runRequest{Context: fc})
}

func (c *Client) post(ctx context.Context, path string, body runRequest) (agent.Stream, error) {
	if body.Context == nil {
		body.Context = agent.Context{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpruntime: encode request: %w", err)
	}

	u := *c.base
	u.Path = c.base.Path + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpruntime: POST %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode == http.StatusNotFound && strings.HasPrefix(path, "/runs/") {
			return nil, fmt.Errorf("%w: %v", ErrUnknownRun, se)
		}
		return nil, se
	}

	runID := resp.Header.Get(RunIDHeader)
	if runID == "" {
		resp.Body.Close()
		return nil, ErrMissingRunID
	}

	log.Debug().Str("path", path).Str("run_id", runID).Msg("runtime stream opened")
	return newStream(runID, resp.Body), nil
}

type wireLine struct {
	agent.Chunk
	Error string `json:"error,omitempty"`
}

type stream struct {
	runID   string
	body    io.ReadCloser
	scanner *bufio.Scanner

	closeOnce sync.Once
}

func newStream(runID string, body io.ReadCloser) *stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &stream{runID: runID, body: body, scanner: sc}
}

func (s *stream) RunID() string { return s.runID }

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

// Next reads the next non-empty line. A done ctx closes the body so a
// blocked read returns.
func (s *stream) Next(ctx context.Context) (agent.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return agent.Chunk{}, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var w wireLine
		if err := json.Unmarshal(line, &w); err != nil {
			return agent.Chunk{}, fmt.Errorf("httpruntime: decode chunk: %w", err)
		}
		if w.Error != "" {
			return agent.Chunk{}, &RemoteError{RunID: s.runID, Msg: w.Error}
		}
		chunk := w.Chunk
		if chunk.Kind == "" {
			chunk.Kind = agent.ChunkContent
		}
		if chunk.Kind == agent.ChunkApprovalRequest && chunk.Approval == nil {
			return agent.Chunk{}, errors.New("httpruntime: decode chunk: approval_request without approval")
		}
		if chunk.RunID == "" {
			chunk.RunID = s.runID
		}
		return chunk, nil
	}

	if err := ctx.Err(); err != nil {
		return agent.Chunk{}, err
	}
	if err := s.scanner.Err(); err != nil {
		return agent.Chunk{}, fmt.Errorf("httpruntime: read stream: %w", err)
	}
	return agent.Chunk{}, io.EOF
}
