package main

// main.go — entrypoint: loads configuration, wires the Lean session stack to
// the search backends, and serves MCP over stdio or streamable HTTP.

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/leanbridge/lean-mcp/internal/config"
	"github.com/leanbridge/lean-mcp/internal/lean"
	"github.com/leanbridge/lean-mcp/internal/search"
)

const (
	serverName    = "lean-mcp"
	serverVersion = "0.1.0"

	rateCapacity = 3
	rateWindow   = 30 * time.Second

	evictEvery = 5 * time.Minute
	idleTTL    = 30 * time.Minute
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Stderr.WriteString("logger init: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load configuration", zap.Error(err))
	}
	root := cfg.ProjectPath
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			log.Fatal("resolve working directory", zap.Error(err))
		}
		log.Warn("LEAN_PROJECT_PATH not set, using working directory", zap.String("root", root))
	}

	sup := lean.NewSupervisor(root, log)
	docs := lean.NewDocStore(sup, log)
	svc := lean.NewService(sup, docs, log)

	searchCfg := search.DefaultConfig()
	if cfg.StateSearchURL != "" {
		searchCfg.StateSearchURL = cfg.StateSearchURL
	}
	if cfg.HammerURL != "" {
		searchCfg.HammerURL = cfg.HammerURL
	}
	limiter := search.NewLimiter(rateCapacity, rateWindow, cfg.GlobalRateWindow())
	searches := search.NewService(searchCfg, limiter, svc, log)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, &mcp.ServerOptions{
		Instructions: "Tools for interacting with a Lean 4 project. " +
			"All file paths are absolute; all lines and columns are 1-indexed. " +
			"Use lean_goal to inspect the proof state, lean_diagnostic_messages " +
			"after edits, and the search tools sparingly (3 calls per 30 s each).",
	})
	registerTools(server, svc, searches, cfg.Disabled(), log)

	stop := make(chan struct{})
	go evictIdle(docs, log, stop)

	log.Info("starting server",
		zap.String("transport", cfg.Transport),
		zap.String("project", root))

	switch cfg.Transport {
	case "http":
		err = serveHTTP(server, cfg, log)
	default:
		err = server.Run(context.Background(), &mcp.StdioTransport{})
	}

	close(stop)
	docs.CloseAll()
	sup.Shutdown()
	if err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

// evictIdle periodically closes documents nobody has touched in a while so a
// long-running session does not pin every file it ever opened.
func evictIdle(docs *lean.DocStore, log *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := docs.EvictIdle(idleTTL); n > 0 {
				log.Info("evicted idle documents", zap.Int("count", n))
			}
		case <-stop:
			return
		}
	}
}

func serveHTTP(server *mcp.Server, cfg *config.Config, log *zap.Logger) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
	var h http.Handler = handler
	if cfg.Token != "" {
		h = bearerAuth(cfg.Token, handler)
	} else {
		log.Warn("http transport without LEAN_LSP_MCP_TOKEN, requests are unauthenticated")
	}
	log.Info("listening", zap.String("addr", cfg.Addr))
	return http.ListenAndServe(cfg.Addr, h)
}

func bearerAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
