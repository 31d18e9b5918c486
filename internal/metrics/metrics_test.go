package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector(nil)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.jobsRejected, "jobsRejected counter should be initialized")
	assert.NotNil(t, collector.jobsFinished, "jobsFinished counter should be initialized")
	assert.NotNil(t, collector.jobDuration, "jobDuration histogram should be initialized")
	assert.NotNil(t, collector.jobsRunning, "jobsRunning gauge should be initialized")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	assert.Panics(t, func() { NewCollector(reg) }, "registering twice on one registry should panic")
}

func TestSubmittedAndFinished(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		c.RecordSubmitted()
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsSubmitted))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.jobsRunning))

	c.RecordFinished("completed", 200*time.Millisecond)
	c.RecordFinished("timed_out", 10*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFinished.WithLabelValues("timed_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRunning))
	assert.Equal(t, 2, testutil.CollectAndCount(c.jobDuration))
}

func TestRejectedAndCoalesced(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordRejected(ReasonAdmission)
	c.RecordRejected(ReasonAdmission)
	c.RecordRejected(ReasonInput)
	c.RecordCoalesced()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsRejected.WithLabelValues(ReasonAdmission)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRejected.WithLabelValues(ReasonInput)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCoalesced))
}

func TestChunksPausesAndCache(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordChunk("first")
	c.RecordChunk("progress")
	c.RecordChunk("progress")
	c.RecordPause()
	c.RecordCacheLookup(true)
	c.RecordCacheLookup(false)
	c.RecordCacheLookup(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.chunkEvents.WithLabelValues("progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.pauses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordSubmitted()
		c.RecordRejected(ReasonAdmission)
		c.RecordCoalesced()
		c.RecordFinished("failed", time.Second)
		c.RecordPause()
		c.RecordChunk("first")
		c.RecordCacheLookup(true)
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSubmitted()

	srv := httptest.NewServer(NewServer("", reg).Handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "scoreload_jobs_submitted_total 1")
	assert.Contains(t, string(body), "scoreload_jobs_running 1")
}
