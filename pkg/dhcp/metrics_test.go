package dhcp

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/netboot/pkg/netdev"
)

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	reg := prometheus.NewPedanticRegistry()
	client, err := NewClient(h.store, func(*netdev.Device, *Session) (Transport, error) {
		return h.tr, nil
	}, Options{Now: func() time.Time { return h.now }, Registerer: reg})
	require.NoError(t, err)
	h.client = client

	s := h.startDHCP()
	h.advance(0)
	s.Kill()

	m := client.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transmits.WithLabelValues("net0", "discovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.states.WithLabelValues("net0", "discovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("net0", "canceled")))

	n, err := testutil.GatherAndCount(reg, "netboot_dhcp_transmits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = NewClient(h.store, nil, Options{Registerer: reg})
	assert.Error(t, err, "duplicate registration")
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "timeout", resultLabel(fmt.Errorf("pxebs: %w", ErrTimedOut)))
	assert.Equal(t, "canceled", resultLabel(ErrCanceled))
	assert.Equal(t, "error", resultLabel(errors.New("boom")))
}
