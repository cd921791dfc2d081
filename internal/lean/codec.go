package lean

// codec.go — Content-Length framed JSON-RPC 2.0 encoding/decoding for the
// Lean language server's stdio channel.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// rawMessage is a generic JSON-RPC message used for initial parsing: it can be
// a request, a response, or a notification depending on which fields are set.
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  *string         `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// lspCodec frames JSON-RPC messages with Content-Length headers.
type lspCodec struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex // protects writer
	nextID atomic.Int64
}

func newLSPCodec(r io.Reader, w io.Writer) *lspCodec {
	c := &lspCodec{
		reader: bufio.NewReader(r),
		writer: w,
	}
	c.nextID.Store(1)
	return c
}

// encode writes one framed JSON-RPC message.
func (c *lspCodec) encode(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := io.WriteString(c.writer, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// decode reads one framed JSON-RPC message.
func (c *lspCodec) decode() (*rawMessage, error) {
	contentLength := -1
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if val, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			contentLength, err = strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("parse Content-Length %q: %w", val, err)
			}
		}
		// Other headers (Content-Type, etc.) are ignored.
	}
	if contentLength < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var msg rawMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &msg, nil
}

// newID reserves the next request id without touching the wire.
func (c *lspCodec) newID() int64 {
	return c.nextID.Add(1) - 1
}

// sendRequestWith writes a request under a previously reserved id.
func (c *lspCodec) sendRequestWith(id int64, method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	return c.encode(&jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  rawParams,
	})
}

// sendRequest writes a request and returns its assigned id.
func (c *lspCodec) sendRequest(method string, params any) (int64, error) {
	id := c.newID()
	return id, c.sendRequestWith(id, method, params)
}

// sendNotification writes a notification (no id, no response expected).
func (c *lspCodec) sendNotification(method string, params any) error {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}
	return c.encode(&jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  rawParams,
	})
}

// sendResponse replies to a server-initiated request.
func (c *lspCodec) sendResponse(id int64, result any, respErr *jsonRPCError) error {
	var rawResult json.RawMessage
	if result != nil {
		var err error
		rawResult, err = json.Marshal(result)
		if err != nil {
			return err
		}
	}
	return c.encode(&jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  rawResult,
		Error:   respErr,
	})
}
