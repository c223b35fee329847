package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllReportsHealthy(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("store", time.Second, func(ctx context.Context) error { return nil })
	h.AddCheck("broker", time.Second, func(ctx context.Context) error { return nil })

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["store"])
	assert.Equal(t, "healthy", status.Checks["broker"])
	assert.True(t, h.IsReady(context.Background()))
}

func TestCheckAllSurfacesFailingProbe(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("store", time.Second, func(ctx context.Context) error { return nil })
	h.AddCheck("broker", time.Second, func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["store"])
	assert.Equal(t, "connection refused", status.Checks["broker"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestCheckAllAppliesPerProbeTimeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestCheckAllWithNoProbes(t *testing.T) {
	h := NewHealthChecker()
	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Empty(t, status.Checks)
}

type staticHangoutRepo struct {
	listErr error
}

func (r *staticHangoutRepo) Create(context.Context, *domain.Hangout) error { return nil }
func (r *staticHangoutRepo) GetByID(context.Context, domain.HangoutID) (*domain.Hangout, error) {
	return nil, domain.ErrHangoutNotFound
}
func (r *staticHangoutRepo) Update(context.Context, *domain.Hangout) error { return nil }
func (r *staticHangoutRepo) ListActive(context.Context) ([]*domain.Hangout, error) {
	return nil, r.listErr
}

var _ ports.HangoutRepository = (*staticHangoutRepo)(nil)

func TestAddRepositoryCheck(t *testing.T) {
	repo := &staticHangoutRepo{}
	h := NewHealthChecker()
	h.AddRepositoryCheck(repo, time.Second)

	require.True(t, h.IsReady(context.Background()))

	repo.listErr = errors.New("storage unavailable")
	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "storage unavailable", status.Checks["repository"])
}
