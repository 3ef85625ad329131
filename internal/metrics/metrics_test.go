package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.JobSubmitted()
	c.JobSubmitted()
	c.SubmissionFailed()
	c.StatusPolled("RUNNING")
	c.StatusPolled("RUNNING")
	c.StatusPolled("UNKNOWN")
	c.JobFinished("COMPLETED", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.submissionErrors))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.statusPolls.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.statusPolls.WithLabelValues("UNKNOWN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inferredFinishes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsInFlight))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.JobSubmitted()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.jobsSubmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.jobsSubmitted))
}

func TestStageDuration(t *testing.T) {
	c := NewCollector()
	c.ObserveStage(StageSubmit, 300*time.Millisecond)
	c.ObserveStage(StageSubmit, 700*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(c.stageDuration))
}

func TestRouter(t *testing.T) {
	c := NewCollector()
	c.JobSubmitted()
	srv := httptest.NewServer(NewRouter(c))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "slurmssh_jobs_submitted_total 1")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListenStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := Listen(ctx, "127.0.0.1:0", NewCollector(), zerolog.Nop())
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-waitFor(s):
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancellation")
	}
}

func waitFor(s *Server) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Wait() }()
	return ch
}
