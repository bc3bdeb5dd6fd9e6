package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headline-goat/creative-goat/internal/engine"
	"github.com/headline-goat/creative-goat/internal/store"
)

// env is a throwaway workspace: a database, a config file and a fake Graph
// API that serves the given post counters.
type env struct {
	dir    string
	db     string
	config string
}

func newEnv(t *testing.T, posts map[string]string) *env {
	t.Helper()

	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/insights") {
			w.Write([]byte(`{"data":[{"name":"post_impressions_unique","values":[{"value":1000}]}]}`))
			return
		}
		body, ok := posts[strings.TrimPrefix(r.URL.Path, "/v18.0/")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"Unsupported get request","code":100}}`))
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(graph.Close)

	e := &env{dir: t.TempDir()}
	e.db = filepath.Join(e.dir, "cg.db")
	e.config = filepath.Join(e.dir, "config.yaml")
	require.NoError(t, os.WriteFile(e.config, []byte(fmt.Sprintf(`
database:
  path: %s
graph:
  base_url: %s
  rate_limit: 0
notify:
  log: false
log:
  level: error
`, e.db, graph.URL)), 0o600))
	return e
}

func (e *env) run(args ...string) (string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(args...)
	require.NoError(t, err, out)
	return out
}

func (e *env) tests(t *testing.T) []*store.Test {
	t.Helper()
	s, err := store.Open(e.db)
	require.NoError(t, err)
	defer s.Close()

	tests, err := s.ListTests(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	return tests
}

func (e *env) variants(t *testing.T, testID string) []*store.Variant {
	t.Helper()
	s, err := store.Open(e.db)
	require.NoError(t, err)
	defer s.Close()

	vs, err := s.ListVariants(context.Background(), testID)
	require.NoError(t, err)
	return vs
}

func post(likes, comments int) string {
	return fmt.Sprintf(`{"likes":{"summary":{"total_count":%d}},"comments":{"summary":{"total_count":%d}},"shares":{"count":0}}`, likes, comments)
}

func TestCreateAndList(t *testing.T) {
	e := newEnv(t, nil)

	out := e.mustRun(t, "list")
	assert.Contains(t, out, "No tests yet.")

	out = e.mustRun(t, "create", "--project", "acme", "--kind", "banner", "--occasion", "black_friday", "--notify-email", "ops@acme.test")
	assert.Contains(t, out, "Created banner test")
	assert.Contains(t, out, "Occasion: black_friday")

	tests := e.tests(t)
	require.Len(t, tests, 1)
	test := tests[0]
	assert.Equal(t, "acme", test.ProjectID)
	assert.True(t, test.SpecialOccasion)
	assert.Equal(t, "ops@acme.test", test.NotifyEmail)

	out = e.mustRun(t, "list")
	assert.Contains(t, out, test.ID)
	assert.Contains(t, out, "RUNNING")

	out = e.mustRun(t, "list", "--status", "completed")
	assert.Contains(t, out, "No tests yet.")

	_, err := e.run("list", "--status", "paused")
	assert.Error(t, err)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.run("create", "--kind", "banner")
	assert.Error(t, err, "project is required")

	_, err = e.run("create", "--project", "acme", "--kind", "poster")
	assert.Error(t, err)

	_, err = e.run("create", "--project", "acme", "--kind", "banner", "--delay", "1d", "--scheduled", "2024-01-01T00:00:00Z")
	assert.Error(t, err)

	assert.Empty(t, e.tests(t))
}

func TestCreateWithDelay(t *testing.T) {
	e := newEnv(t, nil)
	before := time.Now()

	e.mustRun(t, "create", "--project", "acme", "--kind", "carousel", "--delay", "3d")

	tests := e.tests(t)
	require.Len(t, tests, 1)
	assert.WithinDuration(t, before.Add(72*time.Hour), tests[0].ScheduledAt, time.Minute)

	out := e.mustRun(t, "due")
	assert.Contains(t, out, "No tests due.")
}

func TestPublishVariants(t *testing.T) {
	e := newEnv(t, nil)
	e.mustRun(t, "create", "--project", "acme", "--kind", "carousel")
	id := e.tests(t)[0].ID

	out := e.mustRun(t, "publish", id, "--ref", "post_1", "--content", "https://cdn.test/a.png|Summer sale")
	assert.Contains(t, out, "(post post_1)")

	out = e.mustRun(t, "publish", id, "--content", "https://cdn.test/b.png")
	assert.Contains(t, out, "Added unpublished variant")

	out = e.mustRun(t, "publish", id, "--ref", "post_2", "--batch", "-c", "https://cdn.test/1.png", "-c", "https://cdn.test/2.png")
	assert.Equal(t, 2, strings.Count(out, "(post post_2)"))

	vs := e.variants(t, id)
	require.Len(t, vs, 4)
	assert.Equal(t, []store.ContentRef{{URL: "https://cdn.test/a.png", Caption: "Summer sale"}}, vs[0].ContentRefs)
	assert.False(t, vs[1].Published())
	assert.Equal(t, vs[2].PublishedRef, vs[3].PublishedRef)

	assert.Equal(t, []string{"post_1", "post_2", "post_2"}, e.tests(t)[0].PublishedRefs)

	_, err := e.run("publish", "missing", "--ref", "post_9")
	assert.Error(t, err)

	_, err = e.run("publish", id, "--ref", "post_3", "--batch", "-c", "https://cdn.test/only.png")
	assert.Error(t, err)

	_, err = e.run("publish", id, "--content", "|caption only")
	assert.Error(t, err)
}

func TestPublishBatchToCompletedTestAddsNothing(t *testing.T) {
	e := newEnv(t, nil)
	e.mustRun(t, "create", "--project", "acme", "--kind", "carousel", "--scheduled", "2024-01-01T00:00:00Z")
	id := e.tests(t)[0].ID
	e.mustRun(t, "evaluate", id)
	require.Equal(t, store.StatusCompleted, e.tests(t)[0].Status)

	_, err := e.run("publish", id, "--ref", "post_1", "--batch", "-c", "https://cdn.test/1.png", "-c", "https://cdn.test/2.png")
	require.ErrorIs(t, err, store.ErrAlreadyCompleted)
	assert.Empty(t, e.variants(t, id))

	_, err = e.run("publish", "missing", "--ref", "post_1", "--batch", "-c", "https://cdn.test/1.png", "-c", "https://cdn.test/2.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test not found")
}

func TestPublishBatchRejectedWhileLeased(t *testing.T) {
	e := newEnv(t, nil)
	e.mustRun(t, "create", "--project", "acme", "--kind", "carousel")
	id := e.tests(t)[0].ID

	s, err := store.Open(e.db)
	require.NoError(t, err)
	require.NoError(t, s.AcquireLease(context.Background(), id, "worker", time.Now(), time.Hour))
	require.NoError(t, s.Close())

	_, err = e.run("publish", id, "--ref", "post_1", "--batch", "-c", "https://cdn.test/1.png", "-c", "https://cdn.test/2.png")
	require.ErrorIs(t, err, store.ErrLeaseConflict)
	assert.Empty(t, e.variants(t, id))
}

// failingStore rejects every AddVariant after the first ok calls.
type failingStore struct {
	store.Store
	ok int
}

func (s *failingStore) AddVariant(ctx context.Context, v *store.Variant) error {
	if s.ok == 0 {
		return store.ErrUnavailable
	}
	s.ok--
	return s.Store.AddVariant(ctx, v)
}

func TestAddVariantsReportsPartialBatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	test := &store.Test{ProjectID: "acme", Kind: store.KindCarousel, ScheduledAt: time.Now()}
	require.NoError(t, mem.CreateTest(ctx, test))

	variants := []*store.Variant{
		{TestID: test.ID, PublishedRef: "post_1"},
		{TestID: test.ID, PublishedRef: "post_1"},
		{TestID: test.ID, PublishedRef: "post_1"},
	}
	var out bytes.Buffer
	err := addVariants(ctx, &failingStore{Store: mem, ok: 2}, &out, variants)
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.Contains(t, err.Error(), "variant 3 of 3")
	assert.Contains(t, err.Error(), variants[0].ID+", "+variants[1].ID)
	assert.Equal(t, 2, strings.Count(out.String(), "Added variant"))

	err = addVariants(ctx, &failingStore{Store: mem}, &out, []*store.Variant{{TestID: test.ID}})
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.NotContains(t, err.Error(), "already added")
}

func TestEvaluateFlow(t *testing.T) {
	e := newEnv(t, map[string]string{
		"post_1": post(40, 0),
		"post_2": post(75, 0),
		"post_3": post(45, 15),
	})
	e.mustRun(t, "create", "--project", "acme", "--kind", "carousel", "--scheduled", "2024-01-01T00:00:00Z")
	id := e.tests(t)[0].ID
	for _, ref := range []string{"post_1", "post_2", "post_3"} {
		e.mustRun(t, "publish", id, "--ref", ref, "--content", "https://cdn.test/"+ref+".png")
	}
	vs := e.variants(t, id)

	out := e.mustRun(t, "due")
	assert.Contains(t, out, id)

	out = e.mustRun(t, "evaluate", id)
	assert.Contains(t, out, "OUTCOME: completed")
	assert.NotContains(t, out, vs[0].ID)
	assert.Contains(t, out, vs[1].ID)
	assert.Contains(t, out, vs[2].ID)

	test := e.tests(t)[0]
	assert.Equal(t, store.StatusCompleted, test.Status)
	assert.True(t, test.Checked)
	assert.Equal(t, []string{vs[1].ID, vs[2].ID}, test.WinnerVariantIDs)

	out, err := e.run("evaluate", id)
	require.ErrorIs(t, err, engine.ErrInvalidTestState)
	assert.Contains(t, out, "OUTCOME: skipped")

	out = e.mustRun(t, "results", id)
	assert.Equal(t, 2, strings.Count(out, "← WINNER"))
	assert.Contains(t, out, "STATUS: completed")

	out = e.mustRun(t, "analytics")
	assert.Contains(t, out, "TESTS: 1 (0 running, 1 completed)")
	assert.Contains(t, out, id)

	out = e.mustRun(t, "due")
	assert.Contains(t, out, "No tests due.")
}

func TestEvaluateNotDueNeedsForce(t *testing.T) {
	e := newEnv(t, map[string]string{"post_1": post(5, 0)})
	e.mustRun(t, "create", "--project", "acme", "--kind", "banner", "--delay", "1d")
	id := e.tests(t)[0].ID
	e.mustRun(t, "publish", id, "--ref", "post_1")

	out, err := e.run("evaluate", id)
	require.ErrorIs(t, err, engine.ErrNotDue)
	assert.Contains(t, out, "OUTCOME: skipped")
	assert.Equal(t, store.StatusRunning, e.tests(t)[0].Status)

	out = e.mustRun(t, "evaluate", id, "--force")
	assert.Contains(t, out, "OUTCOME: completed")
	assert.Equal(t, store.StatusCompleted, e.tests(t)[0].Status)
}

func TestPassJSON(t *testing.T) {
	e := newEnv(t, map[string]string{"post_1": post(3, 1)})

	e.mustRun(t, "create", "--project", "acme", "--kind", "banner", "--scheduled", "2024-01-01T00:00:00Z")
	e.mustRun(t, "create", "--project", "acme", "--kind", "banner", "--scheduled", "2024-01-02T00:00:00Z")
	tests := e.tests(t)
	require.Len(t, tests, 2)

	// tests come back newest first
	older, newer := tests[1], tests[0]
	e.mustRun(t, "publish", older.ID, "--ref", "post_1")
	e.mustRun(t, "publish", newer.ID, "--ref", "post_broken")

	out := e.mustRun(t, "pass", "--json")

	var res passOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Results, 2)
	assert.Equal(t, older.ID, res.Results[0].TestID)
	assert.Equal(t, engine.OutcomeCompleted, res.Results[0].Outcome)
	assert.Equal(t, newer.ID, res.Results[1].TestID)
	assert.Equal(t, engine.OutcomeRetry, res.Results[1].Outcome)
	assert.Equal(t, 1, res.Summary[engine.OutcomeCompleted])
	assert.Equal(t, 1, res.Summary[engine.OutcomeRetry])

	out = e.mustRun(t, "pass")
	assert.Contains(t, out, newer.ID)
	assert.Contains(t, out, "1 evaluated: 0 completed, 0 without variants, 1 to retry")
}

func TestExport(t *testing.T) {
	e := newEnv(t, map[string]string{"post_1": post(10, 2)})
	e.mustRun(t, "create", "--project", "acme", "--kind", "banner", "--scheduled", "2024-01-01T00:00:00Z")
	id := e.tests(t)[0].ID
	e.mustRun(t, "publish", id, "--ref", "post_1", "--content", "https://cdn.test/a.png", "--content", "https://cdn.test/b.png")
	e.mustRun(t, "publish", id)
	e.mustRun(t, "evaluate", id)

	out := e.mustRun(t, "export", id)
	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "post_1", rows[1][1])
	assert.Equal(t, "https://cdn.test/a.png https://cdn.test/b.png", rows[1][2])
	assert.Equal(t, "true", rows[1][3])
	assert.Equal(t, "10", rows[1][4])
	assert.Equal(t, "1000", rows[1][7])
	assert.Equal(t, "14", rows[1][8])
	assert.Equal(t, "false", rows[2][3])
	assert.Equal(t, "", rows[2][4])

	out = e.mustRun(t, "export", id, "--format", "json")
	var exp jsonExport
	require.NoError(t, json.Unmarshal([]byte(out), &exp))
	assert.Equal(t, id, exp.Test.ID)
	require.Len(t, exp.Variants, 2)
	require.NotNil(t, exp.Variants[0].Metrics)
	assert.Equal(t, 14.0, exp.Variants[0].Metrics.EngagementScore)

	_, err = e.run("export", id, "--format", "xml")
	assert.Error(t, err)
	_, err = e.run("export", "missing")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.run("token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no server running")

	require.NoError(t, os.WriteFile(filepath.Join(e.dir, ".creative-goat-token"), []byte("abc123\n"), 0o600))
	out := e.mustRun(t, "token")
	assert.Contains(t, out, "API token: abc123")
}

func TestDBFlagOverridesConfig(t *testing.T) {
	e := newEnv(t, nil)
	other := filepath.Join(t.TempDir(), "other.db")

	e.mustRun(t, "--db", other, "create", "--project", "acme", "--kind", "banner")

	assert.Empty(t, e.tests(t))
	s, err := store.Open(other)
	require.NoError(t, err)
	defer s.Close()
	tests, err := s.ListTests(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, tests, 1)
}

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "3d", want: 72 * time.Hour},
		{in: "0d", want: 0},
		{in: "90m", want: 90 * time.Minute},
		{in: "36h", want: 36 * time.Hour},
		{in: "xd", wantErr: true},
		{in: "-1d", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDelay(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1,000", formatNumber(1000))
	assert.Equal(t, "12,345", formatNumber(12345))
	assert.Equal(t, "1,234,567", formatNumber(1234567))
	assert.Equal(t, "-1,500", formatNumber(-1500))
}
