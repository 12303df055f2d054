// Package sandbox talks to the remote executor daemon. A Session holds
// one streamed connection (SSE down, JSON-RPC POSTs up) and the
// Controller layers sandbox lifecycle and command execution on top of
// the session's tool calls.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ToolResult is the decoded payload of one executor tool invocation.
type ToolResult struct {
	Stdout  string
	Stderr  string
	IsError bool
}

// ToolCaller is the executor surface the controller needs. Session is
// the production implementation; tests substitute fakes.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (ToolResult, error)
	Close() error
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("executor rpc error %d: %s", e.Code, e.Message)
}

type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// Session is a JSON-RPC session over an SSE stream. Requests go up as
// HTTP POSTs to the endpoint the server announces in its first event;
// responses come back down the stream.
type Session struct {
	httpc    *http.Client
	logger   *slog.Logger
	endpoint string
	body     io.ReadCloser
	cancel   context.CancelFunc

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse
	closed  bool
	readErr error
}

// Dial connects to the executor's SSE URL, waits for the endpoint
// announcement, and completes the initialize handshake. The returned
// session stays open until Close; callers keep one session per
// workflow run.
func Dial(ctx context.Context, sseURL string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, sseURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	httpc := &http.Client{}
	resp, err := httpc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect executor: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("connect executor: status %d", resp.StatusCode)
	}

	s := &Session{
		httpc:   httpc,
		logger:  logger,
		body:    resp.Body,
		cancel:  cancel,
		pending: make(map[int64]chan rpcResponse),
	}

	endpointCh := make(chan string, 1)
	go s.readStream(resp.Body, endpointCh)

	select {
	case ep, ok := <-endpointCh:
		if !ok {
			s.Close()
			return nil, fmt.Errorf("stream closed before endpoint event")
		}
		resolved, err := resolveEndpoint(sseURL, ep)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.endpoint = resolved
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}

	if err := s.initialize(ctx); err != nil {
		s.Close()
		return nil, err
	}
	logger.Info("executor session established", "endpoint", s.endpoint)
	return s, nil
}

func resolveEndpoint(sseURL, endpoint string) (string, error) {
	base, err := url.Parse(sseURL)
	if err != nil {
		return "", fmt.Errorf("parse sse url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (s *Session) initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "algotest",
			"version": "1.0.0",
		},
	}
	if _, err := s.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	return s.notify(ctx, "notifications/initialized")
}

// CallTool invokes a named executor tool and decodes its framed text
// payload.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]interface{}) (ToolResult, error) {
	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}
	raw, err := s.call(ctx, "tools/call", params)
	if err != nil {
		return ToolResult{}, fmt.Errorf("call %s: %w", name, err)
	}

	var res toolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ToolResult{}, fmt.Errorf("decode %s result: %w", name, err)
	}

	var text string
	for _, c := range res.Content {
		if c.Type == "text" {
			text = c.Text
			break
		}
	}
	return DecodeToolText(text, res.IsError), nil
}

// Close tears the stream down and fails any in-flight calls.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.body.Close()
}

func (s *Session) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	s.nextID++
	id := s.nextID
	ch := make(chan rpcResponse, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.post(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			s.mu.Lock()
			err := s.readErr
			s.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("stream closed")
			}
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) notify(ctx context.Context, method string) error {
	return s.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
}

func (s *Session) post(ctx context.Context, msg rpcRequest) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode rpc message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("send rpc message: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rpc post: status %d", resp.StatusCode)
	}
	return nil
}

// readStream parses the SSE stream: the first "endpoint" event carries
// the POST URL, subsequent "message" events carry JSON-RPC responses.
func (s *Session) readStream(body io.Reader, endpointCh chan<- string) {
	defer func() {
		close(endpointCh)
		s.mu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	event := ""
	var data strings.Builder
	sentEndpoint := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 || event != "" {
				s.dispatch(event, data.String(), endpointCh, &sentEndpoint)
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		if !s.closed {
			s.readErr = fmt.Errorf("read stream: %w", err)
		}
		s.mu.Unlock()
	}
}

func (s *Session) dispatch(event, data string, endpointCh chan<- string, sentEndpoint *bool) {
	switch event {
	case "endpoint":
		if !*sentEndpoint {
			*sentEndpoint = true
			endpointCh <- data
		}
	case "message", "":
		var resp rpcResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			s.logger.Warn("undecodable stream message", "error", err)
			return
		}
		if resp.ID == nil {
			return // server-side notification, nothing waits on it
		}
		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
