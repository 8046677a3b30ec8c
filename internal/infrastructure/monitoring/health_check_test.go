package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck(HealthCheck{Name: "broker", Critical: true, Check: func(context.Context) error { return nil }})
	h.AddCheck(HealthCheck{Name: "redis", Check: func(context.Context) error { return errors.New("refused") }})

	status := h.CheckAll(context.Background())
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "healthy", status.Checks["broker"])
	assert.Equal(t, "refused", status.Checks["redis"])
	assert.True(t, h.IsReady(context.Background()))

	h.AddCheck(HealthCheck{Name: "store", Critical: true, Timeout: 20 * time.Millisecond, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.False(t, h.IsReady(context.Background()))
}
