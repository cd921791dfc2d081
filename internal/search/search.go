package search

// search.go — normalized clients for the four external theorem-search
// services. Each backend has its own base URL and timeout but shares the
// sliding-window limiter; an outage of one never affects the others.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	backendLeanSearch  = "leansearch"
	backendLoogle      = "loogle"
	backendStateSearch = "state-search"
	backendHammer      = "hammer-premise"

	userAgent      = "lean-mcp/0.1"
	backendTimeout = 20 * time.Second
	stateSearchRev = "v4.17.0-rc1"
)

// Config holds the backend base addresses. Two of them are commonly
// self-hosted and overridable.
type Config struct {
	LeanSearchURL  string
	LoogleURL      string
	StateSearchURL string
	HammerURL      string
}

// DefaultConfig points at the public instances.
func DefaultConfig() Config {
	return Config{
		LeanSearchURL:  "https://leansearch.net",
		LoogleURL:      "https://loogle.lean-lang.org",
		StateSearchURL: "https://premise-search.com",
		HammerURL:      "http://leanpremise.net",
	}
}

// Result is the normalized shape every backend's response is mapped onto.
type Result struct {
	Name   string
	Type   string
	Module string
	Score  *float64
}

// GoalSource supplies the current first proof goal for goal-driven backends.
type GoalSource interface {
	FirstGoal(ctx context.Context, path string, line, col int) (string, error)
}

// Service fans out to the search backends under the shared limiter.
type Service struct {
	cfg     Config
	client  *http.Client
	limiter *Limiter
	goals   GoalSource
	log     *zap.Logger
}

func NewService(cfg Config, limiter *Limiter, goals GoalSource, log *zap.Logger) *Service {
	return &Service{
		cfg:     cfg,
		client:  &http.Client{Timeout: backendTimeout},
		limiter: limiter,
		goals:   goals,
		log:     log,
	}
}

// LeanSearch queries leansearch.net with natural language or Lean terms.
func (s *Service) LeanSearch(ctx context.Context, query string, num int) ([]Result, error) {
	if err := s.limiter.Allow(backendLeanSearch); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"num_results": strconv.Itoa(num),
		"query":       []string{query},
	}
	var raw [][]struct {
		Result struct {
			Name       []string `json:"name"`
			ModuleName []string `json:"module_name"`
			Type       string   `json:"type"`
			Score      *float64 `json:"score"`
		} `json:"result"`
	}
	if err := s.post(ctx, backendLeanSearch, s.cfg.LeanSearchURL+"/search", payload, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	hits := raw[0]
	if len(hits) > num {
		hits = hits[:num]
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Name:   strings.Join(h.Result.Name, "."),
			Type:   h.Result.Type,
			Module: strings.Join(h.Result.ModuleName, "."),
			Score:  h.Result.Score,
		})
	}
	return results, nil
}

// Loogle queries loogle by name, constant, or type-shape pattern.
func (s *Service) Loogle(ctx context.Context, query string, num int) ([]Result, error) {
	if err := s.limiter.Allow(backendLoogle); err != nil {
		return nil, err
	}
	var raw struct {
		Hits []struct {
			Name   string `json:"name"`
			Type   string `json:"type"`
			Module string `json:"module"`
		} `json:"hits"`
	}
	addr := s.cfg.LoogleURL + "/json?q=" + url.QueryEscape(query)
	if err := s.get(ctx, backendLoogle, addr, &raw); err != nil {
		return nil, err
	}
	hits := raw.Hits
	if len(hits) > num {
		hits = hits[:num]
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{Name: h.Name, Type: h.Type, Module: h.Module})
	}
	return results, nil
}

// StateSearch fetches the first goal at the given position and searches
// premise-search.com for relevant theorems.
func (s *Service) StateSearch(ctx context.Context, path string, line, col, num int) ([]Result, error) {
	if err := s.limiter.Allow(backendStateSearch); err != nil {
		return nil, err
	}
	goal, err := s.goals.FirstGoal(ctx, path, line, col)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Name   string   `json:"name"`
		Module string   `json:"module"`
		Score  *float64 `json:"score"`
	}
	addr := fmt.Sprintf("%s/api/search?query=%s&results=%d&rev=%s",
		s.cfg.StateSearchURL, url.QueryEscape(goal), num, stateSearchRev)
	if err := s.get(ctx, backendStateSearch, addr, &raw); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(raw))
	for _, h := range raw {
		results = append(results, Result{Name: h.Name, Module: h.Module, Score: h.Score})
	}
	return results, nil
}

// HammerPremise fetches the first goal and retrieves candidate premises from
// the hammer premise service.
func (s *Service) HammerPremise(ctx context.Context, path string, line, col, num int) ([]Result, error) {
	if err := s.limiter.Allow(backendHammer); err != nil {
		return nil, err
	}
	goal, err := s.goals.FirstGoal(ctx, path, line, col)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"state":        goal,
		"new_premises": []string{},
		"k":            num,
	}
	var raw []struct {
		Name  string   `json:"name"`
		Score *float64 `json:"score"`
	}
	if err := s.post(ctx, backendHammer, s.cfg.HammerURL+"/retrieve", payload, &raw); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(raw))
	for _, h := range raw {
		results = append(results, Result{Name: h.Name, Score: h.Score})
	}
	return results, nil
}

func (s *Service) get(ctx context.Context, backend, addr string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return &BackendError{Backend: backend, Err: err}
	}
	return s.do(backend, req, out)
}

func (s *Service) post(ctx context.Context, backend, addr string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &BackendError{Backend: backend, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr, bytes.NewReader(body))
	if err != nil {
		return &BackendError{Backend: backend, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(backend, req, out)
}

func (s *Service) do(backend string, req *http.Request, out any) error {
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("search backend unreachable", zap.String("backend", backend), zap.Error(err))
		return &BackendError{Backend: backend, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &BackendError{
			Backend: backend,
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &BackendError{Backend: backend, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// FormatResults renders normalized results one per line for the tool output.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(r.Name)
		if r.Type != "" {
			sb.WriteString(" : ")
			sb.WriteString(r.Type)
		}
		if r.Module != "" {
			fmt.Fprintf(&sb, " (%s)", r.Module)
		}
		if r.Score != nil {
			fmt.Fprintf(&sb, " [%.3f]", *r.Score)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
