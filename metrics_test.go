package auditry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/auditry"
	"github.com/mickamy/auditry/memstore"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := auditry.NewMetrics(prometheus.NewRegistry())
	sampleRate := 1.0
	c, st := newClient(t, auditry.Config{
		AwaitWrite: true,
		Metrics:    m,
		SampleRate: func([]string) float64 { return sampleRate },
	})

	_, err := c.Create(ctx, "Post", map[string]any{"data": map[string]any{"title": "a", "authorId": 1}})
	require.NoError(t, err)
	assert.InDelta(t, 2, testutil.ToFloat64(m.EntriesWritten.WithLabelValues("immediate")), 1e-9)

	sampleRate = 0
	_, err = c.Create(ctx, "Post", map[string]any{"data": map[string]any{"title": "b", "authorId": 1}})
	require.NoError(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EntriesSkipped.WithLabelValues(auditry.ReasonSampled)), 1e-9)

	sampleRate = 1
	st.FailOn(memstore.OpCreateMany, auditry.DefaultAuditModel, errors.New("boom"))
	_, err = c.Create(ctx, "Post", map[string]any{"data": map[string]any{"title": "c", "authorId": 1}})
	require.NoError(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(m.WriteFailures.WithLabelValues("immediate")), 1e-9)

	assert.Equal(t, 1, testutil.CollectAndCount(m.PipelineDuration))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	t.Parallel()

	c, st := newClient(t, auditry.Config{AwaitWrite: true})
	_, err := c.Create(context.Background(), "User", map[string]any{"data": map[string]any{"email": "a@example.com"}})
	require.NoError(t, err)
	assert.Len(t, auditRows(st), 1)
}
