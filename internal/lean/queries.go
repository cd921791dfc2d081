package lean

// queries.go — the high-level operations exposed to the tool layer. Each is a
// recipe over the document store and the request correlator: sync the
// document, issue one or more requests at translated positions, and render
// the result. Soft misses ("nothing here") come back as ErrNotFound wrapped
// errors; "no goals" is a successful answer, not an error.

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	requestTimeout = 20 * time.Second
	diagTimeout    = 40 * time.Second
	// Elaborating a freshly opened file can take a while on big projects.
	loadTimeout = 2 * time.Minute

	multiAttemptParallelism = 4
)

// Service composes document syncs and protocol requests into operations.
type Service struct {
	sup  *Supervisor
	docs *DocStore
	log  *zap.Logger
}

func NewService(sup *Supervisor, docs *DocStore, log *zap.Logger) *Service {
	return &Service{sup: sup, docs: docs, log: log}
}

// plainGoal is the response of $/lean/plainGoal: all open goals at a point.
type plainGoal struct {
	Rendered string   `json:"rendered"`
	Goals    []string `json:"goals"`
}

// plainTermGoal is the response of $/lean/plainTermGoal: the expected type.
type plainTermGoal struct {
	Goal  string          `json:"goal"`
	Range *protocol.Range `json:"range"`
}

// call leases the client, issues one request, and feeds the supervisor's
// degraded-session accounting.
func (s *Service) call(ctx context.Context, method string, params, out any) error {
	client, err := s.sup.Lease()
	if err != nil {
		return err
	}
	err = client.Call(ctx, method, params, out, requestTimeout)
	switch {
	case err == nil, isNotFound(err):
		s.sup.NoteSuccess()
	case isTimeout(err):
		s.sup.NoteTimeout()
	}
	return err
}

func positionParams(u uri.URI, pos protocol.Position) map[string]any {
	return map[string]any{
		"textDocument": map[string]any{"uri": u},
		"position":     map[string]any{"line": pos.Line, "character": pos.Character},
	}
}

// waitSettled waits until the server processed the document, then returns
// diagnostics gated on the given sync version.
func (s *Service) waitSettled(ctx context.Context, u uri.URI, version int32) ([]protocol.Diagnostic, error) {
	client, err := s.sup.Lease()
	if err != nil {
		return nil, err
	}
	if err := client.WaitQuiescent(ctx, u, loadTimeout); err != nil {
		return nil, err
	}
	diags, err := client.WaitDiagnostics(ctx, u, version, diagTimeout)
	switch {
	case err == nil:
		s.sup.NoteSuccess()
	case isTimeout(err):
		s.sup.NoteTimeout()
	}
	return diags, err
}

// Diagnostics returns all current diagnostics for a file, ordered as the
// server reported them, never ones computed before the caller's sync.
func (s *Service) Diagnostics(ctx context.Context, path string) (string, error) {
	doc, err := s.docs.OpenOrSync(ctx, path)
	if err != nil {
		return "", err
	}
	diags, err := s.waitSettled(ctx, doc.URI, doc.Version)
	if err != nil {
		return "", err
	}
	msgs := FormatDiagnostics(diags)
	if len(msgs) == 0 {
		return "No diagnostics: file compiles cleanly.", nil
	}
	return strings.Join(msgs, "\n\n"), nil
}

// goalAt fetches the proof state at a position. nil means the position is
// not inside a proof; an empty goal list means the proof is complete there.
func (s *Service) goalAt(ctx context.Context, u uri.URI, pos protocol.Position) (*plainGoal, error) {
	var g plainGoal
	err := s.call(ctx, "$/lean/plainGoal", positionParams(u, pos), &g)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func formatPlainGoal(g *plainGoal, fallback string) string {
	if g == nil {
		return fallback
	}
	if len(g.Goals) == 0 {
		return "no goals"
	}
	if g.Rendered != "" {
		return stripFences(g.Rendered)
	}
	return strings.Join(g.Goals, "\n\n")
}

// Goal returns the proof state at a position. With col == 0 it reports the
// state both before and after the line, the usual way to watch a tactic's
// effect. 1-based coordinates.
func (s *Service) Goal(ctx context.Context, path string, line, col int) (string, error) {
	doc, err := s.docs.OpenOrSync(ctx, path)
	if err != nil {
		return "", err
	}
	if client, err := s.sup.Lease(); err == nil {
		_ = client.WaitQuiescent(ctx, doc.URI, loadTimeout)
	}

	if col == 0 {
		lineText, err := Line(doc.Text, line)
		if err != nil {
			return "", err
		}
		runes := []rune(lineText)
		start := 1
		for i, r := range runes {
			if r != ' ' && r != '\t' {
				start = i + 1
				break
			}
		}
		startPos, err := Translate(doc.Text, line, start)
		if err != nil {
			return "", err
		}
		endPos, err := Translate(doc.Text, line, len(runes)+1)
		if err != nil {
			return "", err
		}
		before, err := s.goalAt(ctx, doc.URI, startPos)
		if err != nil {
			return "", err
		}
		after, err := s.goalAt(ctx, doc.URI, endPos)
		if err != nil {
			return "", err
		}
		if before == nil && after == nil {
			return fmt.Sprintf("No goals on line:\n%s\nTry another line?", lineText), nil
		}
		return fmt.Sprintf("Goals on line:\n%s\nBefore:\n%s\nAfter:\n%s",
			lineText,
			formatPlainGoal(before, "No goals at line start."),
			formatPlainGoal(after, "No goals at line end.")), nil
	}

	pos, err := Translate(doc.Text, line, col)
	if err != nil {
		return "", err
	}
	g, err := s.goalAt(ctx, doc.URI, pos)
	if err != nil {
		return "", err
	}
	cursor := FormatCursorLine(doc.Text, line, col)
	return fmt.Sprintf("Goals at:\n%s\n%s",
		cursor, formatPlainGoal(g, "Not a valid goal position. Try elsewhere?")), nil
}

// TermGoal returns the expected type at a position. col == 0 means line end.
func (s *Service) TermGoal(ctx context.Context, path string, line, col int) (string, error) {
	doc, err := s.docs.OpenOrSync(ctx, path)
	if err != nil {
		return "", err
	}
	if client, err := s.sup.Lease(); err == nil {
		_ = client.WaitQuiescent(ctx, doc.URI, loadTimeout)
	}
	if col == 0 {
		lineText, err := Line(doc.Text, line)
		if err != nil {
			return "", err
		}
		col = len([]rune(lineText)) + 1
	}
	pos, err := Translate(doc.Text, line, col)
	if err != nil {
		return "", err
	}

	cursor := FormatCursorLine(doc.Text, line, col)
	var tg plainTermGoal
	err = s.call(ctx, "$/lean/plainTermGoal", positionParams(doc.URI, pos), &tg)
	if isNotFound(err) {
		return "", fmt.Errorf("not a valid term goal position:\n%s\ntry elsewhere: %w", cursor, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Term goal at:\n%s\n%s", cursor, stripFences(tg.Goal)), nil
}

// hoverResult parses textDocument/hover leniently across content shapes.
type hoverResult struct {
	Contents struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	} `json:"contents"`
	Range *protocol.Range `json:"range"`
}

// Hover returns documentation for the symbol at a position, with any
// diagnostics covering the same spot appended.
func (s *Service) Hover(ctx context.Context, path string, line, col int) (string, error) {
	doc, err := s.docs.OpenOrSync(ctx, path)
	if err != nil {
		return "", err
	}
	pos, err := Translate(doc.Text, line, col)
	if err != nil {
		return "", err
	}

	var h hoverResult
	err = s.call(ctx, "textDocument/hover", positionParams(doc.URI, pos), &h)
	if isNotFound(err) {
		return "", fmt.Errorf("no hover information at:\n%s\ntry elsewhere: %w",
			FormatCursorLine(doc.Text, line, col), ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	symbol := ""
	if h.Range != nil {
		symbol = extractRange(doc.Text, *h.Range)
	}
	msg := fmt.Sprintf("Hover info `%s`:\n%s", symbol, stripFences(h.Contents.Value))

	// Best effort: diagnostics at the same position add useful context.
	if client, err := s.sup.Lease(); err == nil {
		if diags, err := client.WaitDiagnostics(ctx, doc.URI, doc.Version, 2*time.Second); err == nil {
			if at := filterDiagnosticsAt(diags, pos.Line, int(pos.Character)); len(at) > 0 {
				msg += "\n\nDiagnostics:\n" + strings.Join(FormatDiagnostics(at), "\n")
			}
		}
	}
	return msg, nil
}

// Completions returns identifier/import suggestions at a position, ranked by
// prefix match against the word under the cursor, truncated to max.
func (s *Service) Completions(ctx context.Context, path string, line, col, max int) (string, error) {
	doc, err := s.docs.OpenOrSync(ctx, path)
	if err != nil {
		return "", err
	}
	pos, err := Translate(doc.Text, line, col)
	if err != nil {
		return "", err
	}

	var list struct {
		Items []struct {
			Label string `json:"label"`
		} `json:"items"`
	}
	err = s.call(ctx, "textDocument/completion", positionParams(doc.URI, pos), &list)
	cursor := FormatCursorLine(doc.Text, line, col)
	if isNotFound(err) || (err == nil && len(list.Items) == 0) {
		return "", fmt.Errorf("no completions at:\n%s\ntry elsewhere: %w", cursor, ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	labels := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		if item.Label != "" {
			labels = append(labels, item.Label)
		}
	}
	sortByPrefix(labels, completionPrefix(doc.Text, line, col))

	if len(labels) > max {
		remaining := len(labels) - max
		labels = append(labels[:max], fmt.Sprintf("%d more, keep typing to filter further", remaining))
	}
	return fmt.Sprintf("Completions at:\n%s\n%s", cursor, strings.Join(labels, "\n")), nil
}

// completionPrefix extracts the partial identifier before the cursor, used
// as the ranking key. Empty after a dot: the server already filtered.
func completionPrefix(text string, line, col int) string {
	lineText, err := Line(text, line)
	if err != nil {
		return ""
	}
	runes := []rune(lineText)
	if col-1 > len(runes) {
		col = len(runes) + 1
	}
	before := string(runes[:col-1])
	if strings.HasSuffix(before, ".") {
		return ""
	}
	fields := strings.FieldsFunc(before, func(r rune) bool {
		return strings.ContainsRune(" \t()[]{},:;.", r)
	})
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

// sortByPrefix orders labels: prefix matches, then substring matches, then
// the rest, alphabetically within each group.
func sortByPrefix(labels []string, prefix string) {
	rank := func(l string) int {
		if prefix == "" {
			return 2
		}
		lower := strings.ToLower(l)
		switch {
		case strings.HasPrefix(lower, prefix):
			return 0
		case strings.Contains(lower, prefix):
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(labels, func(i, j int) bool {
		ri, rj := rank(labels[i]), rank(labels[j])
		if ri != rj {
			return ri < rj
		}
		return strings.ToLower(labels[i]) < strings.ToLower(labels[j])
	})
}

// DeclarationFile resolves where symbol is declared and returns that file's
// contents. The symbol must occur in the given file.
func (s *Service) DeclarationFile(ctx context.Context, path, symbol string) (string, error) {
	doc, err := s.docs.OpenOrSync(ctx, path)
	if err != nil {
		return "", err
	}
	line, col, ok := findSymbol(doc.Text, symbol)
	if !ok {
		return "", fmt.Errorf("symbol %q (case sensitive) not present in %s, add it first: %w",
			symbol, path, ErrNotFound)
	}
	pos, err := Translate(doc.Text, line, col)
	if err != nil {
		return "", err
	}

	// The response is Location[] or LocationLink[]; accept either shape.
	var locs []struct {
		URI       string `json:"uri"`
		TargetURI string `json:"targetUri"`
	}
	err = s.call(ctx, "textDocument/declaration", positionParams(doc.URI, pos), &locs)
	if isNotFound(err) || (err == nil && len(locs) == 0) {
		return "", fmt.Errorf("no declaration available for %q: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	target := locs[0].TargetURI
	if target == "" {
		target = locs[0].URI
	}
	declPath := uri.URI(target).Filename()
	content, err := os.ReadFile(declPath)
	if err != nil {
		return "", fmt.Errorf("open declaration file %s: %w", declPath, err)
	}
	return fmt.Sprintf("Declaration of `%s` (%s):\n%s", symbol, declPath, content), nil
}

// RunCode compiles a self-contained snippet in a throwaway document and
// returns its diagnostics, including #eval output. The document is discarded
// unconditionally and never visible as a real file afterwards.
func (s *Service) RunCode(ctx context.Context, code string) (string, error) {
	eph, err := s.docs.OpenEphemeral(ctx, code)
	if err != nil {
		return "", err
	}
	defer eph.Close()

	diags, err := s.waitSettled(ctx, eph.URI, eph.Version)
	if err != nil {
		return "", err
	}
	msgs := FormatDiagnostics(diags)
	if len(msgs) == 0 {
		return "No diagnostics: code compiled successfully.", nil
	}
	out := strings.Join(msgs, "\n\n")
	if hasErrors(diags) {
		out = "Compilation failed:\n" + out
	}
	return out, nil
}

// MultiAttempt overlays each snippet at the given line in its own ephemeral
// copy of the file and reports goal state plus diagnostics per snippet. One
// snippet's failure never aborts the rest; failures are captured per entry.
func (s *Service) MultiAttempt(ctx context.Context, path string, line int, snippets []string) ([]string, error) {
	doc, err := s.docs.OpenOrSync(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := Line(doc.Text, line); err != nil {
		return nil, err
	}
	base := doc.Text

	results := make([]string, len(snippets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(multiAttemptParallelism)
	for i, snippet := range snippets {
		g.Go(func() error {
			results[i] = s.attempt(gctx, base, line, snippet)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// attempt evaluates one snippet in isolation. Errors come back as the entry
// text rather than propagating.
func (s *Service) attempt(ctx context.Context, base string, line int, snippet string) string {
	lines := strings.Split(base, "\n")
	lines[line-1] = snippet
	overlaid := strings.Join(lines, "\n")

	eph, err := s.docs.OpenEphemeral(ctx, overlaid)
	if err != nil {
		return fmt.Sprintf("%s:\nerror: %v", snippet, err)
	}
	defer eph.Close()

	diags, err := s.waitSettled(ctx, eph.URI, eph.Version)
	if err != nil {
		return fmt.Sprintf("%s:\nerror: %v", snippet, err)
	}
	diagText := strings.Join(FormatDiagnostics(filterDiagnosticsAt(diags, uint32(line-1), -1)), "\n")

	goalText := "Missing goal"
	pos, err := Translate(overlaid, line, len([]rune(snippet))+1)
	if err == nil {
		if g, err := s.goalAt(ctx, eph.URI, pos); err == nil {
			goalText = formatPlainGoal(g, "Missing goal")
		} else {
			goalText = fmt.Sprintf("error: %v", err)
		}
	}
	return strings.TrimSpace(fmt.Sprintf("%s:\n%s\n\n%s", snippet, goalText, diagText))
}

// FirstGoal returns the first open goal at a position, for the goal-driven
// search backends.
func (s *Service) FirstGoal(ctx context.Context, path string, line, col int) (string, error) {
	doc, err := s.docs.OpenOrSync(ctx, path)
	if err != nil {
		return "", err
	}
	if client, err := s.sup.Lease(); err == nil {
		_ = client.WaitQuiescent(ctx, doc.URI, loadTimeout)
	}
	pos, err := Translate(doc.Text, line, col)
	if err != nil {
		return "", err
	}
	g, err := s.goalAt(ctx, doc.URI, pos)
	if err != nil {
		return "", err
	}
	if g == nil || len(g.Goals) == 0 {
		return "", fmt.Errorf("no goals at:\n%s\ntry elsewhere: %w",
			FormatCursorLine(doc.Text, line, col), ErrNotFound)
	}
	return g.Goals[0], nil
}

// FileContents returns a file's text, optionally annotated with line numbers.
// Reads straight from disk; does not touch the language server.
func (s *Service) FileContents(path string, annotate bool) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if annotate {
		return AnnotateLines(string(data)), nil
	}
	return string(data), nil
}

// Rebuild drops all document state and performs a full build/restart cycle.
func (s *Service) Rebuild(ctx context.Context, clean bool) (string, error) {
	s.docs.Reset()
	out, err := s.sup.Restart(ctx, clean)
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(out) == "" {
		out = "Build succeeded."
	}
	return out, nil
}
