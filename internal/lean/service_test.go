package lean

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// scriptedLean emulates the language server protocol surface the service
// depends on: it answers goal and hover requests with canned payloads and
// reacts to every didOpen/didChange with a progress-done notification plus
// versioned diagnostics.
type scriptedLean struct {
	codec       *lspCodec
	diagnostics []map[string]any
}

func (f *scriptedLean) run() {
	for {
		msg, err := f.codec.decode()
		if err != nil {
			return
		}
		switch {
		case msg.ID != nil && msg.Method != nil:
			f.handleRequest(*msg.ID, *msg.Method)
		case msg.Method != nil:
			f.handleNotification(*msg.Method, msg.Params)
		}
	}
}

func (f *scriptedLean) handleRequest(id int64, method string) {
	switch method {
	case "$/lean/plainGoal":
		_ = f.codec.sendResponse(id, map[string]any{
			"rendered": "```lean\nn : ℕ\n⊢ n + 0 = n\n```",
			"goals":    []string{"n : ℕ\n⊢ n + 0 = n"},
		}, nil)
	case "$/lean/plainTermGoal":
		_ = f.codec.sendResponse(id, map[string]any{"goal": "ℕ"}, nil)
	case "textDocument/hover":
		_ = f.codec.sendResponse(id, map[string]any{
			"contents": map[string]any{"kind": "markdown", "value": "```lean\nNat.add_zero (n : ℕ) : n + 0 = n\n```"},
			"range": map[string]any{
				"start": map[string]any{"line": 0, "character": 0},
				"end":   map[string]any{"line": 0, "character": 7},
			},
		}, nil)
	default:
		_ = f.codec.sendResponse(id, map[string]any{}, nil)
	}
}

func (f *scriptedLean) handleNotification(method string, params json.RawMessage) {
	if method != "textDocument/didOpen" && method != "textDocument/didChange" {
		return
	}
	var p struct {
		TextDocument struct {
			URI     string `json:"uri"`
			Version int32  `json:"version"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	_ = f.codec.sendNotification("$/lean/fileProgress", map[string]any{
		"textDocument": map[string]any{"uri": p.TextDocument.URI},
		"processing":   []any{},
	})
	_ = f.codec.sendNotification("textDocument/publishDiagnostics", map[string]any{
		"uri":         p.TextDocument.URI,
		"version":     p.TextDocument.Version,
		"diagnostics": f.diagnostics,
	})
}

// scriptedLauncher returns a launcher whose clients talk to scriptedLean
// instead of lake serve.
func scriptedLauncher(t *testing.T, diags []map[string]any) launcher {
	t.Helper()
	return func(ctx context.Context, root string, log *zap.Logger) (*Client, error) {
		toServerR, toServerW := io.Pipe()
		toClientR, toClientW := io.Pipe()
		f := &scriptedLean{codec: newLSPCodec(toServerR, toClientW), diagnostics: diags}
		go f.run()
		t.Cleanup(func() {
			toServerW.Close()
			toClientW.Close()
		})
		return NewClient(toClientR, toServerW, nil, log), nil
	}
}

// newReadyService builds a Service whose supervisor launches scriptedLean
// instead of lake serve. Returns the service and the workspace root.
func newReadyService(t *testing.T, diags []map[string]any) (*Service, string) {
	t.Helper()
	root := t.TempDir()
	log := zaptest.NewLogger(t)

	sup := NewSupervisor(root, log)
	sup.build = okBuild
	sup.launch = scriptedLauncher(t, diags)
	t.Cleanup(func() { sup.Shutdown() })

	docs := NewDocStore(sup, log)
	return NewService(sup, docs, log), root
}

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestServiceDiagnostics(t *testing.T) {
	diags := []map[string]any{{
		"range": map[string]any{
			"start": map[string]any{"line": 0, "character": 0},
			"end":   map[string]any{"line": 0, "character": 5},
		},
		"severity": 2,
		"message":  "declaration uses 'sorry'",
	}}
	svc, root := newReadyService(t, diags)
	path := writeFile(t, root, "Basic.lean", "theorem t : 1 = 1 := by sorry")

	out, err := svc.Diagnostics(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "l1c1-l1c6, warning")
	assert.Contains(t, out, "declaration uses 'sorry'")
}

func TestServiceDiagnosticsClean(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "theorem t : 1 = 1 := rfl")

	out, err := svc.Diagnostics(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, out, "compiles cleanly")
}

func TestServiceGoalAtColumn(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "theorem t (n : ℕ) : n + 0 = n := by simp")

	out, err := svc.Goal(context.Background(), path, 1, 37)
	require.NoError(t, err)
	assert.Contains(t, out, "<cursor>")
	assert.Contains(t, out, "⊢ n + 0 = n")
	assert.NotContains(t, out, "```", "fences must be stripped")
}

func TestServiceGoalWholeLine(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "theorem t (n : ℕ) : n + 0 = n := by\n  simp")

	out, err := svc.Goal(context.Background(), path, 2, 0)
	require.NoError(t, err)
	assert.Contains(t, out, "Before:")
	assert.Contains(t, out, "After:")
}

func TestServiceTermGoal(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "def x : Nat := 3")

	out, err := svc.TermGoal(context.Background(), path, 1, 16)
	require.NoError(t, err)
	assert.Contains(t, out, "ℕ")
}

func TestServiceHover(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "example := Nat.add_zero")

	out, err := svc.Hover(context.Background(), path, 1, 12)
	require.NoError(t, err)
	assert.Contains(t, out, "Nat.add_zero (n : ℕ) : n + 0 = n")
}

func TestServiceRunCodeCleansUp(t *testing.T) {
	svc, root := newReadyService(t, nil)

	out, err := svc.RunCode(context.Background(), "#eval 1 + 1")
	require.NoError(t, err)
	assert.Contains(t, out, "compiled successfully")

	// The scratch document must be gone on every exit path.
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".lean_mcp_scratch_"),
			"leftover scratch file %s", e.Name())
	}
}

func TestServiceRunCodeReportsErrors(t *testing.T) {
	diags := []map[string]any{{
		"range": map[string]any{
			"start": map[string]any{"line": 0, "character": 0},
			"end":   map[string]any{"line": 0, "character": 4},
		},
		"severity": 1,
		"message":  "unknown identifier 'foo'",
	}}
	svc, _ := newReadyService(t, diags)

	out, err := svc.RunCode(context.Background(), "#eval foo")
	require.NoError(t, err)
	assert.Contains(t, out, "Compilation failed:")
	assert.Contains(t, out, "unknown identifier 'foo'")
}

func TestServiceMultiAttempt(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "theorem t (n : ℕ) : n + 0 = n := by\n  sorry")

	snippets := []string{"  simp", "  rfl", "  exact Nat.add_zero n"}
	entries, err := svc.MultiAttempt(context.Background(), path, 2, snippets)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Contains(t, entry, strings.TrimSpace(snippets[i]))
		assert.Contains(t, entry, "⊢ n + 0 = n")
	}

	// No scratch documents survive the fan-out.
	dirEntries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range dirEntries {
		assert.False(t, strings.HasPrefix(e.Name(), ".lean_mcp_scratch_"))
	}
}

func TestServiceMultiAttemptBadLine(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "one line")

	_, err := svc.MultiAttempt(context.Background(), path, 99, []string{"simp"})
	require.ErrorIs(t, err, ErrInvalidPosition)
}

func TestServiceFirstGoal(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "theorem t (n : ℕ) : n + 0 = n := by simp")

	goal, err := svc.FirstGoal(context.Background(), path, 1, 37)
	require.NoError(t, err)
	assert.Equal(t, "n : ℕ\n⊢ n + 0 = n", goal)
}

func TestServiceFileContents(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "alpha\nbeta")

	out, err := svc.FileContents(path, true)
	require.NoError(t, err)
	assert.Equal(t, "1: alpha\n2: beta\n", out)

	out, err = svc.FileContents(path, false)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta", out)

	_, err = svc.FileContents(filepath.Join(root, "Missing.lean"), true)
	require.Error(t, err)
}

func TestServiceRebuild(t *testing.T) {
	svc, root := newReadyService(t, nil)
	path := writeFile(t, root, "Basic.lean", "theorem t : 1 = 1 := rfl")

	// Open a document so the rebuild has state to drop.
	_, err := svc.Diagnostics(context.Background(), path)
	require.NoError(t, err)

	out, err := svc.Rebuild(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "Build completed.", out)

	// The workspace stays usable afterwards.
	_, err = svc.Diagnostics(context.Background(), path)
	require.NoError(t, err)
}
