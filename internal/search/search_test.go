package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubGoals struct {
	goal string
	err  error
}

func (s stubGoals) FirstGoal(context.Context, string, int, int) (string, error) {
	return s.goal, s.err
}

func newTestService(t *testing.T, cfg Config, goals GoalSource) *Service {
	t.Helper()
	if goals == nil {
		goals = stubGoals{goal: "⊢ 1 = 1"}
	}
	limiter := NewLimiter(100, time.Minute, false)
	return NewService(cfg, limiter, goals, zaptest.NewLogger(t))
}

func TestLeanSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/search", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"commutativity of addition"}, body["query"])

		score := 0.97
		_ = json.NewEncoder(w).Encode([][]map[string]any{{
			{"result": map[string]any{
				"name":        []string{"Nat", "add_comm"},
				"module_name": []string{"Mathlib", "Algebra", "Group", "Defs"},
				"type":        "∀ (n m : ℕ), n + m = m + n",
				"score":       score,
			}},
			{"result": map[string]any{
				"name": []string{"Nat", "add_assoc"},
				"type": "∀ (a b c : ℕ), a + b + c = a + (b + c)",
			}},
		}})
	}))
	defer srv.Close()

	s := newTestService(t, Config{LeanSearchURL: srv.URL}, nil)
	results, err := s.LeanSearch(context.Background(), "commutativity of addition", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Nat.add_comm", results[0].Name)
	assert.Equal(t, "Mathlib.Algebra.Group.Defs", results[0].Module)
	require.NotNil(t, results[0].Score)
	assert.InDelta(t, 0.97, *results[0].Score, 1e-9)
}

func TestLeanSearchTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits := make([]map[string]any, 10)
		for i := range hits {
			hits[i] = map[string]any{"result": map[string]any{"name": []string{"x"}}}
		}
		_ = json.NewEncoder(w).Encode([][]map[string]any{hits})
	}))
	defer srv.Close()

	s := newTestService(t, Config{LeanSearchURL: srv.URL}, nil)
	results, err := s.LeanSearch(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestLoogle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json", r.URL.Path)
		assert.Equal(t, "Nat -> Nat", r.URL.Query().Get("q"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hits": []map[string]any{
				{"name": "Nat.succ", "type": "ℕ → ℕ", "module": "Init.Prelude"},
			},
		})
	}))
	defer srv.Close()

	s := newTestService(t, Config{LoogleURL: srv.URL}, nil)
	results, err := s.Loogle(context.Background(), "Nat -> Nat", 8)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Nat.succ", results[0].Name)
	assert.Equal(t, "ℕ → ℕ", results[0].Type)
	assert.Equal(t, "Init.Prelude", results[0].Module)
}

func TestStateSearchSendsGoal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/search", r.URL.Path)
		assert.Equal(t, "⊢ n + 0 = n", r.URL.Query().Get("query"))
		assert.Equal(t, stateSearchRev, r.URL.Query().Get("rev"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"name": "Nat.add_zero", "module": "Init.Data.Nat.Basic"},
		})
	}))
	defer srv.Close()

	s := newTestService(t, Config{StateSearchURL: srv.URL}, stubGoals{goal: "⊢ n + 0 = n"})
	results, err := s.StateSearch(context.Background(), "/w/Basic.lean", 3, 5, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Nat.add_zero", results[0].Name)
}

func TestStateSearchNoGoal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called when the goal lookup fails")
	}))
	defer srv.Close()

	wantErr := errors.New("no goals here")
	s := newTestService(t, Config{StateSearchURL: srv.URL}, stubGoals{err: wantErr})
	_, err := s.StateSearch(context.Background(), "/w/Basic.lean", 1, 1, 5)
	require.ErrorIs(t, err, wantErr)
}

func TestHammerPremise(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/retrieve", r.URL.Path)

		var body struct {
			State       string   `json:"state"`
			NewPremises []string `json:"new_premises"`
			K           int      `json:"k"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "⊢ 1 = 1", body.State)
		assert.Equal(t, 16, body.K)

		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"name": "one_eq_one", "score": 0.5},
		})
	}))
	defer srv.Close()

	s := newTestService(t, Config{HammerURL: srv.URL}, nil)
	results, err := s.HammerPremise(context.Background(), "/w/Basic.lean", 2, 3, 16)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "one_eq_one", results[0].Name)
}

func TestBackendOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream melted", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestService(t, Config{LoogleURL: srv.URL}, nil)
	_, err := s.Loogle(context.Background(), "q", 8)

	var berr *BackendError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, backendLoogle, berr.Backend)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestBackendUnreachable(t *testing.T) {
	// A closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	s := newTestService(t, Config{LoogleURL: addr}, nil)
	_, err := s.Loogle(context.Background(), "q", 8)
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestRateLimitRejectsBeforeNetwork(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"hits": []any{}})
	}))
	defer srv.Close()

	limiter := NewLimiter(1, time.Minute, false)
	s := NewService(Config{LoogleURL: srv.URL}, limiter, stubGoals{}, zaptest.NewLogger(t))

	_, err := s.Loogle(context.Background(), "q", 8)
	require.NoError(t, err)

	_, err = s.Loogle(context.Background(), "q", 8)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 1, calls)
}

func TestFormatResults(t *testing.T) {
	assert.Equal(t, "No results found.", FormatResults(nil))

	score := 0.25
	got := FormatResults([]Result{
		{Name: "Nat.add_comm", Type: "∀ (n m : ℕ), n + m = m + n", Module: "Mathlib.Algebra.Group.Defs"},
		{Name: "one_eq_one", Score: &score},
	})
	want := "Nat.add_comm : ∀ (n m : ℕ), n + m = m + n (Mathlib.Algebra.Group.Defs)\none_eq_one [0.250]"
	assert.Equal(t, want, got)
}
