package lean

// docstore.go — open-document tracking, disk synchronization, position
// translation, and short-lived scratch documents for speculative edits.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

// Document is one open file in the language server. Version strictly
// increases on every sync and is never reused.
type Document struct {
	Path       string
	URI        uri.URI
	Text       string
	Version    int32
	ModTime    time.Time
	LastAccess time.Time
}

// DocStore tracks real open documents. Ephemeral documents never appear here.
type DocStore struct {
	sup *Supervisor
	log *zap.Logger

	mu   sync.Mutex
	docs map[string]*Document // keyed by absolute path
}

func NewDocStore(sup *Supervisor, log *zap.Logger) *DocStore {
	return &DocStore{
		sup:  sup,
		log:  log,
		docs: make(map[string]*Document),
	}
}

// OpenOrSync opens path in the language server, or refreshes it when the
// on-disk content changed since the last sync. Returns the current document
// with the version the caller's reads should be gated on.
func (ds *DocStore) OpenOrSync(ctx context.Context, path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	if err := ds.sup.Ensure(ctx); err != nil {
		return nil, err
	}
	client, err := ds.sup.Lease()
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	// A rewrite within the filesystem's timestamp granularity leaves the
	// mtime unchanged, so the stale/fresh decision is made on content.
	doc, open := ds.docs[abs]
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}
	text := string(raw)

	if !open {
		doc = &Document{
			Path:       abs,
			URI:        uri.File(abs),
			Text:       text,
			Version:    1,
			ModTime:    info.ModTime(),
			LastAccess: time.Now(),
		}
		ds.docs[abs] = doc
		if err := didOpen(client, doc.URI, text, doc.Version); err != nil {
			delete(ds.docs, abs)
			return nil, err
		}
		return doc, nil
	}

	doc.ModTime = info.ModTime()
	doc.LastAccess = time.Now()
	if text == doc.Text {
		return doc, nil
	}
	doc.Text = text
	doc.Version++
	if err := didChange(client, doc.URI, text, doc.Version); err != nil {
		return nil, err
	}
	return doc, nil
}

// EvictIdle closes documents untouched for longer than ttl, bounding memory.
// Other open documents are not disturbed.
func (ds *DocStore) EvictIdle(ttl time.Duration) int {
	client, err := ds.sup.Lease()
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	evicted := 0
	for path, doc := range ds.docs {
		if doc.LastAccess.Before(cutoff) {
			_ = didClose(client, doc.URI)
			client.ForgetDocument(doc.URI)
			delete(ds.docs, path)
			evicted++
		}
	}
	if evicted > 0 {
		ds.log.Debug("evicted idle documents", zap.Int("count", evicted))
	}
	return evicted
}

// CloseAll closes every tracked document, e.g. before a rebuild.
func (ds *DocStore) CloseAll() {
	client, err := ds.sup.Lease()
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for path, doc := range ds.docs {
		if err == nil {
			_ = didClose(client, doc.URI)
			client.ForgetDocument(doc.URI)
		}
		delete(ds.docs, path)
	}
}

// Reset forgets every tracked document without notifying the server, for use
// when the server itself is being replaced.
func (ds *DocStore) Reset() {
	ds.mu.Lock()
	ds.docs = make(map[string]*Document)
	ds.mu.Unlock()
}

// EphemeralDoc is a throwaway document identity used for speculative edits.
// It lives as a uniquely named scratch file inside the workspace so project
// imports resolve, and it is gone again after Close on every exit path.
type EphemeralDoc struct {
	Path    string
	URI     uri.URI
	Version int32

	client *Client
	once   sync.Once
}

// OpenEphemeral creates a scratch document containing text. The identity is
// fresh per call, so concurrent speculative edits never observe each other,
// and it is never visible through OpenOrSync.
func (ds *DocStore) OpenEphemeral(ctx context.Context, text string) (*EphemeralDoc, error) {
	if err := ds.sup.Ensure(ctx); err != nil {
		return nil, err
	}
	client, err := ds.sup.Lease()
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf(".lean_mcp_scratch_%s.lean", uuid.NewString()[:8])
	abs := filepath.Join(ds.sup.Workspace().Root, name)
	if err := os.WriteFile(abs, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("write scratch file: %w", err)
	}

	doc := &EphemeralDoc{
		Path:    abs,
		URI:     uri.File(abs),
		Version: 1,
		client:  client,
	}
	if err := didOpen(client, doc.URI, text, doc.Version); err != nil {
		_ = os.Remove(abs)
		return nil, err
	}
	return doc, nil
}

// Close releases the scratch document and deletes its file. Idempotent.
func (e *EphemeralDoc) Close() {
	e.once.Do(func() {
		_ = didClose(e.client, e.URI)
		e.client.ForgetDocument(e.URI)
		_ = os.Remove(e.Path)
	})
}

func didOpen(client *Client, u uri.URI, text string, version int32) error {
	// Mark busy before the notification goes out so a fast progress reply
	// cannot race the flag.
	client.ExpectProcessing(u)
	err := client.Notify("textDocument/didOpen", map[string]any{
		"textDocument": map[string]any{
			"uri":        u,
			"languageId": "lean",
			"version":    version,
			"text":       text,
		},
	})
	if err != nil {
		return fmt.Errorf("didOpen %s: %w", u, err)
	}
	return nil
}

func didChange(client *Client, u uri.URI, text string, version int32) error {
	client.ExpectProcessing(u)
	err := client.Notify("textDocument/didChange", map[string]any{
		"textDocument": map[string]any{
			"uri":     u,
			"version": version,
		},
		"contentChanges": []map[string]any{
			{"text": text},
		},
	})
	if err != nil {
		return fmt.Errorf("didChange %s: %w", u, err)
	}
	return nil
}

func didClose(client *Client, u uri.URI) error {
	return client.Notify("textDocument/didClose", map[string]any{
		"textDocument": map[string]any{"uri": u},
	})
}

// Translate converts 1-based human coordinates to protocol coordinates.
// Columns address runes; the protocol wants UTF-16 code units, which differ
// on the mathematical symbols common in proof source (ℕ, ∀, 𝔽). Pure
// function of the text.
func Translate(text string, line, col int) (protocol.Position, error) {
	if line < 1 || col < 1 {
		return protocol.Position{}, fmt.Errorf("line %d col %d: %w", line, col, ErrInvalidPosition)
	}
	lines := strings.Split(text, "\n")
	if line > len(lines) {
		return protocol.Position{}, fmt.Errorf("line %d of %d: %w", line, len(lines), ErrInvalidPosition)
	}
	runes := []rune(lines[line-1])
	if col > len(runes)+1 {
		return protocol.Position{}, fmt.Errorf("column %d on line of %d chars: %w", col, len(runes), ErrInvalidPosition)
	}
	units := 0
	for _, r := range runes[:col-1] {
		units += utf16.RuneLen(r)
	}
	return protocol.Position{Line: uint32(line - 1), Character: uint32(units)}, nil
}

// Line returns the 1-based line of text, or an error when out of range.
func Line(text string, line int) (string, error) {
	lines := strings.Split(text, "\n")
	if line < 1 || line > len(lines) {
		return "", fmt.Errorf("line %d of %d: %w", line, len(lines), ErrInvalidPosition)
	}
	return lines[line-1], nil
}
