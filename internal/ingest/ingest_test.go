package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/metrics"
	"github.com/worldland/gpu-fleet/internal/store"
)

func strPtr(s string) *string { return &s }

func report(hostname string, gpus ...domain.GPUMetrics) domain.StatusReport {
	return domain.StatusReport{
		Hostname:      hostname,
		IPAddress:     "10.0.0.5",
		CPUPercent:    12.5,
		MemoryPercent: 40,
		GPUs:          gpus,
	}
}

func countRows(t *testing.T, s *store.Store, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.DB().Model(model).Count(&n).Error)
	return n
}

func TestIngest_SameReportTwice(t *testing.T) {
	s := store.NewTestStore(t)
	ing := NewIngestor(s)
	ctx := context.Background()

	r := report("gpu-01", domain.GPUMetrics{UUID: "GPU-a", Name: "A100", Temperature: 60})
	_, err := ing.Ingest(ctx, r)
	require.NoError(t, err)

	r.CPUPercent = 99
	r.Alias = strPtr("rack-3")
	r.GPUs[0].Temperature = 61
	srv, err := ing.Ingest(ctx, r)
	require.NoError(t, err)

	assert.Equal(t, int64(1), countRows(t, s, &store.Server{}))
	assert.Equal(t, int64(1), countRows(t, s, &store.GPU{}))
	assert.Equal(t, 99.0, srv.CPUPercent)
	require.NotNil(t, srv.Alias)
	assert.Equal(t, "rack-3", *srv.Alias)
	require.Len(t, srv.GPUs, 1)
	assert.Equal(t, 61, srv.GPUs[0].Temperature)
}

func TestIngest_GPUUpsertAddsNewUUID(t *testing.T) {
	s := store.NewTestStore(t)
	ing := NewIngestor(s)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, report("gpu-01", domain.GPUMetrics{UUID: "g1", Temperature: 60}))
	require.NoError(t, err)
	srv, err := ing.Ingest(ctx, report("gpu-01",
		domain.GPUMetrics{UUID: "g1", Temperature: 75},
		domain.GPUMetrics{UUID: "g2", Temperature: 30},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(2), countRows(t, s, &store.GPU{}))
	require.Len(t, srv.GPUs, 2)
	assert.Equal(t, "g1", srv.GPUs[0].UUID)
	assert.Equal(t, 75, srv.GPUs[0].Temperature)
	assert.Equal(t, "g2", srv.GPUs[1].UUID)
}

func TestIngest_MissingGPULeftStale(t *testing.T) {
	s := store.NewTestStore(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	ing := NewIngestor(s, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := ing.Ingest(ctx, report("gpu-01",
		domain.GPUMetrics{UUID: "g1"}, domain.GPUMetrics{UUID: "g2"}))
	require.NoError(t, err)

	clock = t0.Add(time.Minute)
	srv, err := ing.Ingest(ctx, report("gpu-01", domain.GPUMetrics{UUID: "g1"}))
	require.NoError(t, err)

	require.Len(t, srv.GPUs, 2)
	assert.True(t, srv.GPUs[0].UpdatedAt.Equal(clock))
	assert.True(t, srv.GPUs[1].UpdatedAt.Equal(t0))
}

func TestIngest_GPUSeriesFollowLatestReport(t *testing.T) {
	s := store.NewTestStore(t)
	ing := NewIngestor(s)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, report("series-a", domain.GPUMetrics{UUID: "GPU-sx"}, domain.GPUMetrics{UUID: "GPU-sy"}))
	require.NoError(t, err)

	_, err = ing.Ingest(ctx, report("series-a", domain.GPUMetrics{UUID: "GPU-sx"}))
	require.NoError(t, err)
	assert.False(t, metrics.GPUUtilization.DeleteLabelValues("series-a", "GPU-sy"), "missing GPU keeps its series")

	_, err = ing.Ingest(ctx, report("series-b", domain.GPUMetrics{UUID: "GPU-sx", UtilizationPercent: 70}))
	require.NoError(t, err)
	assert.False(t, metrics.GPUUtilization.DeleteLabelValues("series-a", "GPU-sx"), "moved GPU keeps its old host series")
	assert.False(t, metrics.GPUTemperature.DeleteLabelValues("series-a", "GPU-sx"))
	assert.True(t, metrics.GPUUtilization.DeleteLabelValues("series-b", "GPU-sx"))
}

func TestIngest_InvalidReport(t *testing.T) {
	s := store.NewTestStore(t)
	ing := NewIngestor(s)

	_, err := ing.Ingest(context.Background(), report(""))
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = ing.Ingest(context.Background(), report("gpu-01", domain.GPUMetrics{Name: "no uuid"}))
	assert.ErrorIs(t, err, ErrInvalidReport)
	assert.Equal(t, int64(0), countRows(t, s, &store.Server{}))
}

func TestIngest_RollsBackOnFailure(t *testing.T) {
	s := store.NewTestStore(t)
	ing := NewIngestor(s)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, report("gpu-01"))
	require.NoError(t, err)

	require.NoError(t, s.DB().Migrator().DropTable(&store.GPU{}))

	r := report("gpu-01", domain.GPUMetrics{UUID: "g1"})
	r.CPUPercent = 77
	_, err = ing.Ingest(ctx, r)
	require.Error(t, err)

	var srv store.Server
	require.NoError(t, s.DB().Where("hostname = ?", "gpu-01").First(&srv).Error)
	assert.Equal(t, 12.5, srv.CPUPercent, "server update must roll back with the failed gpu upsert")
}

func TestIngest_MetricsLog(t *testing.T) {
	s := store.NewTestStore(t)
	ing := NewIngestor(s, WithMetricsLog(true))

	_, err := ing.Ingest(context.Background(), report("gpu-01", domain.GPUMetrics{UUID: "g1"}))
	require.NoError(t, err)

	samples, err := s.ListSamples(context.Background(), "gpu-01", 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 12.5, samples[0].CPU)
	assert.Contains(t, string(samples[0].GPUs), `"uuid":"g1"`)
}

func TestIngest_ConcurrentHosts(t *testing.T) {
	s := store.NewTestStore(t)
	ing := NewIngestor(s)

	var wg sync.WaitGroup
	for _, h := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := ing.Ingest(context.Background(), report(h, domain.GPUMetrics{UUID: "gpu-" + h}))
				assert.NoError(t, err)
			}
		}(h)
	}
	wg.Wait()

	assert.Equal(t, int64(4), countRows(t, s, &store.Server{}))
	assert.Equal(t, int64(4), countRows(t, s, &store.GPU{}))
}
