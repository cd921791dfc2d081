package main

// lean-trace loads a .lean file and prints the goal state after every
// non-blank line, followed by the file's diagnostics. For debugging the
// session stack without going through MCP.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/leanbridge/lean-mcp/internal/lean"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: lean-trace <file.lean>\n")
		fmt.Fprintf(os.Stderr, "Set LEAN_PROJECT_PATH to the project root (defaults to the file's directory).\n")
		os.Exit(1)
	}
	file, err := filepath.Abs(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve path: %v\n", err)
		os.Exit(1)
	}

	root := os.Getenv("LEAN_PROJECT_PATH")
	if root == "" {
		root = filepath.Dir(file)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	sup := lean.NewSupervisor(root, log)
	defer sup.Shutdown()
	docs := lean.NewDocStore(sup, log)
	defer docs.CloseAll()
	svc := lean.NewService(sup, docs, log)

	ctx := context.Background()

	raw, err := os.ReadFile(file)
	if err != nil {
		log.Fatal("read file", zap.Error(err))
	}
	lines := strings.Split(string(raw), "\n")

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Printf("=== line %d ===\n> %s\n", i+1, line)
		goal, err := svc.Goal(ctx, file, i+1, 0)
		if err != nil {
			fmt.Printf("goal error: %v\n\n", err)
			continue
		}
		fmt.Printf("%s\n\n", goal)
	}

	diags, err := svc.Diagnostics(ctx, file)
	if err != nil {
		log.Fatal("diagnostics", zap.Error(err))
	}
	fmt.Printf("--- diagnostics ---\n%s\n", diags)
}
