package lean

// client.go — request correlator over a single Lean language server channel.
//
// Multiple requests may be pipelined; each pending request is resolved by a
// matching response, its own timeout, or a session restart fence. Push
// notifications carry no request id: diagnostics are stored per document
// together with the version they were computed at, and readers wait for a
// version at least as new as their own sync.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

const methodNotFound = -32601

type callResult struct {
	msg *rawMessage
	err error
}

type versionedDiags struct {
	version int32
	items   []protocol.Diagnostic
}

// Client owns the JSON-RPC conversation with one language server process.
// It is created by the Supervisor and discarded on restart.
type Client struct {
	codec *lspCodec
	cmd   *exec.Cmd // nil for pipe-backed clients in tests
	log   *zap.Logger

	mu      sync.Mutex
	pending map[int64]chan callResult
	fenced  error // non-nil once FailPending ran; new calls fail fast

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	notifMu    sync.Mutex
	diags      map[uri.URI]versionedDiags
	processing map[uri.URI]bool
	updated    chan struct{} // closed and replaced on every notification
}

// NewClient wraps an already-started process (or an arbitrary read/write pair)
// in a correlator and begins reading messages.
func NewClient(r io.Reader, w io.Writer, cmd *exec.Cmd, log *zap.Logger) *Client {
	c := &Client{
		codec:      newLSPCodec(r, w),
		cmd:        cmd,
		log:        log,
		pending:    make(map[int64]chan callResult),
		closed:     make(chan struct{}),
		diags:      make(map[uri.URI]versionedDiags),
		processing: make(map[uri.URI]bool),
		updated:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends a request and blocks until a matching response arrives, the
// timeout elapses, the context is cancelled, or the session is fenced off.
// When out is non-nil the result payload is unmarshalled into it. A null
// result leaves out untouched and returns ErrNotFound.
func (c *Client) Call(ctx context.Context, method string, params, out any, timeout time.Duration) error {
	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.fenced != nil {
		err := c.fenced
		c.mu.Unlock()
		return err
	}
	// The pending entry must exist before the request is on the wire;
	// a fast responder can otherwise answer before the registration and
	// the response would be dropped by the read loop.
	id := c.codec.newID()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.codec.sendRequestWith(id, method, params); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%s after %s: %w", method, timeout, ErrTimeout)
	case <-c.closed:
		return fmt.Errorf("language server channel closed: %w", ErrProcess)
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.msg.Error != nil {
			return fmt.Errorf("%s: %w", method, res.msg.Error)
		}
		if out == nil {
			return nil
		}
		if len(res.msg.Result) == 0 || string(res.msg.Result) == "null" {
			return ErrNotFound
		}
		if err := json.Unmarshal(res.msg.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
		return nil
	}
}

// Notify sends a notification. No response is expected.
func (c *Client) Notify(method string, params any) error {
	return c.codec.sendNotification(method, params)
}

// FailPending fences the client: every in-flight request resolves with err
// and any later Call fails fast with the same error. Used by the supervisor
// before tearing the process down, so callers never hang on a dead session.
func (c *Client) FailPending(err error) {
	c.mu.Lock()
	c.fenced = err
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Initialize performs the LSP handshake for the given workspace root.
func (c *Client) Initialize(ctx context.Context, rootURI uri.URI, timeout time.Duration) error {
	params := map[string]any{
		"processId": nil,
		"rootUri":   rootURI,
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"publishDiagnostics": map[string]any{"versionSupport": true},
				"hover":              map[string]any{"contentFormat": []string{"markdown", "plaintext"}},
			},
		},
	}
	var result json.RawMessage
	if err := c.Call(ctx, "initialize", params, &result, timeout); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.Notify("initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	return nil
}

// Close shuts the server down gracefully, killing it if it does not exit
// within a short grace period. The process handle is released on every path.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = c.Call(ctx, "shutdown", nil, nil, 3*time.Second)
	cancel()
	_ = c.Notify("exit", nil)

	var err error
	if c.cmd != nil {
		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()
		select {
		case err = <-done:
		case <-time.After(3 * time.Second):
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
			err = <-done
		}
	}

	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
	return err
}

// Alive reports whether the underlying process is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	if c.cmd == nil {
		return true
	}
	return c.cmd.ProcessState == nil
}

func (c *Client) readLoop() {
	for {
		msg, err := c.codec.decode()
		if err != nil {
			c.closeOnce.Do(func() {
				c.closeErr = err
				close(c.closed)
			})
			return
		}

		switch {
		case msg.ID != nil && msg.Method == nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- callResult{msg: msg}
			}
		case msg.ID != nil && msg.Method != nil:
			// Server-initiated request. Nothing we support; answer it so the
			// server does not wait forever.
			_ = c.codec.sendResponse(*msg.ID, nil, &jsonRPCError{
				Code:    methodNotFound,
				Message: fmt.Sprintf("unsupported method %s", *msg.Method),
			})
		case msg.Method != nil:
			c.handleNotification(*msg.Method, msg.Params)
		}
	}
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p struct {
			URI         uri.URI               `json:"uri"`
			Version     int32                 `json:"version"`
			Diagnostics []protocol.Diagnostic `json:"diagnostics"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			c.log.Warn("parse publishDiagnostics", zap.Error(err))
			return
		}
		c.notifMu.Lock()
		c.diags[p.URI] = versionedDiags{version: p.Version, items: p.Diagnostics}
		c.broadcastLocked()
		c.notifMu.Unlock()

	case "$/lean/fileProgress":
		var p struct {
			TextDocument struct {
				URI uri.URI `json:"uri"`
			} `json:"textDocument"`
			Processing []json.RawMessage `json:"processing"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			c.log.Warn("parse fileProgress", zap.Error(err))
			return
		}
		c.notifMu.Lock()
		c.processing[p.TextDocument.URI] = len(p.Processing) > 0
		c.broadcastLocked()
		c.notifMu.Unlock()

	default:
		c.log.Debug("unhandled notification", zap.String("method", method))
	}
}

// broadcastLocked wakes everyone waiting on a notification. notifMu held.
func (c *Client) broadcastLocked() {
	close(c.updated)
	c.updated = make(chan struct{})
}

// ExpectProcessing marks a document as busy until the server reports its
// processing finished. Called right after a didOpen/didChange sync so a
// subsequent WaitQuiescent does not return before the server caught up.
func (c *Client) ExpectProcessing(u uri.URI) {
	c.notifMu.Lock()
	c.processing[u] = true
	c.notifMu.Unlock()
}

// ForgetDocument drops stored diagnostics and progress for a closed document.
func (c *Client) ForgetDocument(u uri.URI) {
	c.notifMu.Lock()
	delete(c.diags, u)
	delete(c.processing, u)
	c.notifMu.Unlock()
}

// WaitDiagnostics blocks until diagnostics computed at version >= minVersion
// are available for u, then returns them in server order. If only older
// diagnostics arrive before the timeout it returns ErrStaleResult; if none
// arrive at all it returns ErrTimeout.
func (c *Client) WaitDiagnostics(ctx context.Context, u uri.URI, minVersion int32, timeout time.Duration) ([]protocol.Diagnostic, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.notifMu.Lock()
		vd, have := c.diags[u]
		waitCh := c.updated
		c.notifMu.Unlock()

		if have && vd.version >= minVersion {
			out := make([]protocol.Diagnostic, len(vd.items))
			copy(out, vd.items)
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, fmt.Errorf("language server channel closed: %w", ErrProcess)
		case <-deadline.C:
			if have {
				return nil, fmt.Errorf("have version %d, need >= %d: %w", vd.version, minVersion, ErrStaleResult)
			}
			return nil, fmt.Errorf("no diagnostics for %s within %s: %w", u, timeout, ErrTimeout)
		case <-waitCh:
		}
	}
}

// WaitQuiescent waits, best effort, until the server reports no pending
// processing for u. Used before reading goals or diagnostics so results
// reflect the latest sync. A timeout is not an error.
func (c *Client) WaitQuiescent(ctx context.Context, u uri.URI, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.notifMu.Lock()
		busy := c.processing[u]
		waitCh := c.updated
		c.notifMu.Unlock()

		if !busy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return fmt.Errorf("language server channel closed: %w", ErrProcess)
		case <-deadline.C:
			return nil
		case <-waitCh:
		}
	}
}
