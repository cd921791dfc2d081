package main

// tools.go — MCP tool registration: argument schemas, boundary validation,
// disabled-tool filtering, and error wrapping. Handlers never let a fault
// escape to the transport; every call resolves to a text payload or a typed
// error rendered with a retry hint.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/leanbridge/lean-mcp/internal/lean"
	"github.com/leanbridge/lean-mcp/internal/search"
)

// All line and column arguments are 1-indexed, matching what an agent sees
// in lean_file_contents output.

type fileArgs struct {
	FilePath string `json:"file_path" jsonschema:"absolute path to the Lean file"`
}

type fileContentsArgs struct {
	FilePath      string `json:"file_path" jsonschema:"absolute path to the Lean file"`
	AnnotateLines *bool  `json:"annotate_lines,omitempty" jsonschema:"prefix lines with 1-indexed numbers (default true)"`
}

type goalArgs struct {
	FilePath string `json:"file_path" jsonschema:"absolute path to the Lean file"`
	Line     int    `json:"line" jsonschema:"line number (1-indexed)"`
	Column   int    `json:"column,omitempty" jsonschema:"column number (1-indexed); omit for both line start and end"`
}

type positionArgs struct {
	FilePath string `json:"file_path" jsonschema:"absolute path to the Lean file"`
	Line     int    `json:"line" jsonschema:"line number (1-indexed)"`
	Column   int    `json:"column" jsonschema:"column number (1-indexed)"`
}

type completionArgs struct {
	FilePath       string `json:"file_path" jsonschema:"absolute path to the Lean file"`
	Line           int    `json:"line" jsonschema:"line number (1-indexed)"`
	Column         int    `json:"column" jsonschema:"column number (1-indexed)"`
	MaxCompletions int    `json:"max_completions,omitempty" jsonschema:"maximum suggestions to return (default 32)"`
}

type declarationArgs struct {
	FilePath string `json:"file_path" jsonschema:"absolute path to the Lean file"`
	Symbol   string `json:"symbol" jsonschema:"symbol to look up; must occur in the file, case sensitive"`
}

type runCodeArgs struct {
	Code string `json:"code" jsonschema:"complete self-contained Lean snippet including all imports"`
}

type multiAttemptArgs struct {
	FilePath string   `json:"file_path" jsonschema:"absolute path to the Lean file"`
	Line     int      `json:"line" jsonschema:"line number to overlay each snippet at (1-indexed)"`
	Snippets []string `json:"snippets" jsonschema:"fully-indented snippets to try independently"`
}

type searchArgs struct {
	Query      string `json:"query" jsonschema:"search query"`
	NumResults int    `json:"num_results,omitempty" jsonschema:"maximum results to return"`
}

type goalSearchArgs struct {
	FilePath   string `json:"file_path" jsonschema:"absolute path to the Lean file"`
	Line       int    `json:"line" jsonschema:"line number (1-indexed)"`
	Column     int    `json:"column" jsonschema:"column number (1-indexed)"`
	NumResults int    `json:"num_results,omitempty" jsonschema:"maximum results to return"`
}

type buildArgs struct {
	Clean bool `json:"clean,omitempty" jsonschema:"run a clean build first; slow, use only when really necessary"`
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: renderError(err)}},
	}
}

// renderError turns typed errors into actionable text for the agent.
func renderError(err error) string {
	var rl *search.RateLimitError
	switch {
	case errors.As(err, &rl):
		return err.Error()
	case errors.Is(err, lean.ErrSessionBusy), errors.Is(err, lean.ErrSessionRestarted):
		return err.Error() + " (transient; retry the call)"
	case errors.Is(err, lean.ErrStaleResult):
		return err.Error() + " (retry after a short delay)"
	case errors.Is(err, lean.ErrTimeout):
		return err.Error() + " (retryable)"
	case errors.Is(err, search.ErrBackendUnavailable):
		return err.Error() + " (this backend only; others still work)"
	}
	return err.Error()
}

// guard adapts a plain (args) -> (text, error) operation into an MCP handler
// that validates first, recovers panics, and never surfaces a raw fault.
func guard[T any](log *zap.Logger, name string, validate func(T) error, fn func(context.Context, T) (string, error)) func(context.Context, *mcp.CallToolRequest, T) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args T) (res *mcp.CallToolResult, _ any, _ error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("tool handler panic", zap.String("tool", name), zap.Any("panic", r))
				res = errResult(fmt.Errorf("internal error in %s: %v", name, r))
			}
		}()
		if validate != nil {
			if err := validate(args); err != nil {
				return errResult(err), nil, nil
			}
		}
		text, err := fn(ctx, args)
		if err != nil {
			return errResult(err), nil, nil
		}
		return textResult(text), nil, nil
	}
}

func requirePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return &lean.ArgumentError{Field: "file_path", Reason: "must not be empty"}
	}
	return nil
}

func requireLine(line int) error {
	if line < 1 {
		return &lean.ArgumentError{Field: "line", Reason: "must be >= 1 (lines are 1-indexed)"}
	}
	return nil
}

func requireColumn(col int) error {
	if col < 1 {
		return &lean.ArgumentError{Field: "column", Reason: "must be >= 1 (columns are 1-indexed)"}
	}
	return nil
}

func optionalColumn(col int) error {
	if col < 0 {
		return &lean.ArgumentError{Field: "column", Reason: "must be >= 1 when given"}
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// registerTools wires every enabled tool name to its handler. Disabled names
// are never registered, so the transport rejects them before dispatch.
func registerTools(server *mcp.Server, svc *lean.Service, searches *search.Service, disabled map[string]bool, log *zap.Logger) {
	enabled := func(name string) bool {
		if disabled[name] {
			log.Info("tool disabled by configuration", zap.String("tool", name))
			return false
		}
		return true
	}

	if enabled("lean_build") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_build",
			Description: "Rebuild the Lean project and restart the language server. Use only when needed, e.g. after adding imports.",
		}, guard(log, "lean_build", nil,
			func(ctx context.Context, args buildArgs) (string, error) {
				return svc.Rebuild(ctx, args.Clean)
			}))
	}

	if enabled("lean_file_contents") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_file_contents",
			Description: "Get the text contents of a Lean file, by default annotated with 1-indexed line numbers.",
		}, guard(log, "lean_file_contents",
			func(args fileContentsArgs) error { return requirePath(args.FilePath) },
			func(ctx context.Context, args fileContentsArgs) (string, error) {
				annotate := args.AnnotateLines == nil || *args.AnnotateLines
				return svc.FileContents(args.FilePath, annotate)
			}))
	}

	if enabled("lean_diagnostic_messages") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_diagnostic_messages",
			Description: "Get all diagnostic messages (errors, warnings, infos) for a Lean file.",
		}, guard(log, "lean_diagnostic_messages",
			func(args fileArgs) error { return requirePath(args.FilePath) },
			func(ctx context.Context, args fileArgs) (string, error) {
				return svc.Diagnostics(ctx, args.FilePath)
			}))
	}

	if enabled("lean_goal") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_goal",
			Description: "Get the proof goals at a location. Main tool to understand the proof state. Returns \"no goals\" when the proof is complete there. Omit column to see the state before and after the whole line.",
		}, guard(log, "lean_goal",
			func(args goalArgs) error {
				return firstErr(requirePath(args.FilePath), requireLine(args.Line), optionalColumn(args.Column))
			},
			func(ctx context.Context, args goalArgs) (string, error) {
				return svc.Goal(ctx, args.FilePath, args.Line, args.Column)
			}))
	}

	if enabled("lean_term_goal") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_term_goal",
			Description: "Get the expected type (term goal) at a location. Omit column for the end of the line.",
		}, guard(log, "lean_term_goal",
			func(args goalArgs) error {
				return firstErr(requirePath(args.FilePath), requireLine(args.Line), optionalColumn(args.Column))
			},
			func(ctx context.Context, args goalArgs) (string, error) {
				return svc.TermGoal(ctx, args.FilePath, args.Line, args.Column)
			}))
	}

	if enabled("lean_hover_info") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_hover_info",
			Description: "Get hover documentation for syntax, terms, and functions at a location. Point at the start of or inside the term, not its end.",
		}, guard(log, "lean_hover_info",
			func(args positionArgs) error {
				return firstErr(requirePath(args.FilePath), requireLine(args.Line), requireColumn(args.Column))
			},
			func(ctx context.Context, args positionArgs) (string, error) {
				return svc.Hover(ctx, args.FilePath, args.Line, args.Column)
			}))
	}

	if enabled("lean_completions") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_completions",
			Description: "Get code completions at a location: identifiers after a partial name or dot, importable modules after `import`.",
		}, guard(log, "lean_completions",
			func(args completionArgs) error {
				if args.MaxCompletions < 0 {
					return &lean.ArgumentError{Field: "max_completions", Reason: "must be positive"}
				}
				return firstErr(requirePath(args.FilePath), requireLine(args.Line), requireColumn(args.Column))
			},
			func(ctx context.Context, args completionArgs) (string, error) {
				max := args.MaxCompletions
				if max == 0 {
					max = 32
				}
				return svc.Completions(ctx, args.FilePath, args.Line, args.Column, max)
			}))
	}

	if enabled("lean_declaration_file") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_declaration_file",
			Description: "Get the contents of the file where a symbol is declared. The symbol must occur in the given file.",
		}, guard(log, "lean_declaration_file",
			func(args declarationArgs) error {
				if strings.TrimSpace(args.Symbol) == "" {
					return &lean.ArgumentError{Field: "symbol", Reason: "must not be empty"}
				}
				return requirePath(args.FilePath)
			},
			func(ctx context.Context, args declarationArgs) (string, error) {
				return svc.DeclarationFile(ctx, args.FilePath, args.Symbol)
			}))
	}

	if enabled("lean_run_code") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_run_code",
			Description: "Compile a complete, self-contained snippet in a throwaway document and return its diagnostics, including #eval output.",
		}, guard(log, "lean_run_code",
			func(args runCodeArgs) error {
				if strings.TrimSpace(args.Code) == "" {
					return &lean.ArgumentError{Field: "code", Reason: "must not be empty"}
				}
				return nil
			},
			func(ctx context.Context, args runCodeArgs) (string, error) {
				return svc.RunCode(ctx, args.Code)
			}))
	}

	if enabled("lean_multi_attempt") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_multi_attempt",
			Description: "Try several snippets at a line, each in its own ephemeral copy of the file, and report goal state and diagnostics per snippet.",
		}, guard(log, "lean_multi_attempt",
			func(args multiAttemptArgs) error {
				if len(args.Snippets) == 0 {
					return &lean.ArgumentError{Field: "snippets", Reason: "need at least one snippet"}
				}
				return firstErr(requirePath(args.FilePath), requireLine(args.Line))
			},
			func(ctx context.Context, args multiAttemptArgs) (string, error) {
				entries, err := svc.MultiAttempt(ctx, args.FilePath, args.Line, args.Snippets)
				if err != nil {
					return "", err
				}
				return strings.Join(entries, "\n\n---\n\n"), nil
			}))
	}

	if enabled("lean_leansearch") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_leansearch",
			Description: "Search Lean theorems on leansearch.net using natural language, mixed Lean terms, or identifiers. Limit: 3 requests per 30 s.",
		}, guard(log, "lean_leansearch",
			validateSearch,
			func(ctx context.Context, args searchArgs) (string, error) {
				results, err := searches.LeanSearch(ctx, args.Query, numOr(args.NumResults, 5))
				if err != nil {
					return "", err
				}
				return search.FormatResults(results), nil
			}))
	}

	if enabled("lean_loogle") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_loogle",
			Description: "Search Lean definitions and theorems on loogle by constant, name, subexpression, or type shape. Limit: 3 requests per 30 s.",
		}, guard(log, "lean_loogle",
			validateSearch,
			func(ctx context.Context, args searchArgs) (string, error) {
				results, err := searches.Loogle(ctx, args.Query, numOr(args.NumResults, 8))
				if err != nil {
					return "", err
				}
				return search.FormatResults(results), nil
			}))
	}

	if enabled("lean_state_search") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_state_search",
			Description: "Search theorems matching the first proof goal at a position, via premise-search.com. Limit: 3 requests per 30 s.",
		}, guard(log, "lean_state_search",
			validateGoalSearch,
			func(ctx context.Context, args goalSearchArgs) (string, error) {
				results, err := searches.StateSearch(ctx, args.FilePath, args.Line, args.Column, numOr(args.NumResults, 5))
				if err != nil {
					return "", err
				}
				return search.FormatResults(results), nil
			}))
	}

	if enabled("lean_hammer_premise") {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "lean_hammer_premise",
			Description: "Retrieve candidate premises for the first proof goal at a position from the Lean hammer premise server. Limit: 3 requests per 30 s.",
		}, guard(log, "lean_hammer_premise",
			validateGoalSearch,
			func(ctx context.Context, args goalSearchArgs) (string, error) {
				results, err := searches.HammerPremise(ctx, args.FilePath, args.Line, args.Column, numOr(args.NumResults, 32))
				if err != nil {
					return "", err
				}
				return search.FormatResults(results), nil
			}))
	}
}

func validateSearch(args searchArgs) error {
	if strings.TrimSpace(args.Query) == "" {
		return &lean.ArgumentError{Field: "query", Reason: "must not be empty"}
	}
	if args.NumResults < 0 {
		return &lean.ArgumentError{Field: "num_results", Reason: "must be positive"}
	}
	return nil
}

func validateGoalSearch(args goalSearchArgs) error {
	if args.NumResults < 0 {
		return &lean.ArgumentError{Field: "num_results", Reason: "must be positive"}
	}
	return firstErr(requirePath(args.FilePath), requireLine(args.Line), requireColumn(args.Column))
}

func numOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
