package monitoring

import (
	"testing"
	"time"

	"routerd/internal/core/domain"
	rerrors "routerd/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.PeerAuthenticated(domain.RoleHost, rerrors.CodeSuccess)
	c.PeerAuthenticated(domain.RoleClient, rerrors.CodeAccessDenied)
	c.PeerAuthenticated("", rerrors.CodeTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersConnected.WithLabelValues("host")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.peersConnected.WithLabelValues("client")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authResults.WithLabelValues("unknown", "timeout")))
	c.PeerDisconnected(domain.RoleHost)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.peersConnected.WithLabelValues("host")))

	s := domain.Session{ID: "s1", State: domain.SessionPending}
	c.SessionTransition(s, "")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	s.State = domain.SessionEstablished
	c.SessionTransition(s, domain.SessionPending)
	s.State = domain.SessionClosing
	c.SessionTransition(s, domain.SessionEstablished)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsActive))
	s.State = domain.SessionClosed
	c.SessionTransition(s, domain.SessionClosing)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionsActive))

	c.ConnectCompleted(rerrors.CodeHostUnavailable, 3*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectResults.WithLabelValues("host_unavailable")))

	observe := c.ObserveDirectory(domain.Snapshot{Hosts: []domain.HostRecord{{ID: "h1"}}})
	observe(domain.Delta{Kind: domain.KindHost, Action: domain.DeltaAdded})
	observe(domain.Delta{Kind: domain.KindRelay, Action: domain.DeltaAdded})
	observe(domain.Delta{Kind: domain.KindHost, Action: domain.DeltaUpdated})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.directoryEntries.WithLabelValues("host")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.directoryEntries.WithLabelValues("relay")))
}
