package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecording(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordAdded(time.Millisecond)
	m.RecordAdded(2 * time.Millisecond)
	m.Event(EventAnomaly)
	m.Event(EventStateChanged)
	m.Event(EventStateChanged)
	m.Initialized(7, time.Second, nil)
	m.Initialized(0, 0, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Records))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues(EventStateChanged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues(EventAnomaly)))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.States))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Inits.WithLabelValues("error")))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAdded(time.Second)
		m.Event(EventOutlier)
		m.Initialized(3, time.Second, nil)
	})
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
