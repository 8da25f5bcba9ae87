package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/services/im-presence/internal/registry"
)

func TestObserveRegistry(t *testing.T) {
	ObserveRegistry(registry.Stats{Sessions: 5, Streams: 3, Datagrams: 2, Users: 4})

	assert.Equal(t, 3.0, testutil.ToFloat64(Sessions.WithLabelValues("stream")))
	assert.Equal(t, 2.0, testutil.ToFloat64(Sessions.WithLabelValues("datagram")))
	assert.Equal(t, 4.0, testutil.ToFloat64(OnlineUsers))
}

func TestCollectorsRegisterCleanly(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		Sessions, OnlineUsers, AuthFailures, StreamClosed, SlowConsumerDrops, RateLimited,
		ProgressReports, PersistRetries, FanoutEvents, FanoutDeliveries, FanoutQueueFull,
		DatagramPacketsDropped, DatagramExpired, DatagramRetries, DatagramExhausted, DatagramPending,
		IngestEvents, ChatMessages, BreakerOpen,
	} {
		require.NoError(t, reg.Register(c))
	}
}
