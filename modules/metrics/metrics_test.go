package metrics

import (
	"testing"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SendSucceeded()
	m.SendSucceeded()
	m.SendFailed(chat.KindOversize)
	m.ReceiptApplied()
	m.TypingEdge()
	m.CallStarted(false)
	m.CallStarted(true)
	m.CallFailed()
	m.BusEvent("message")
	m.ViewOpened()
	m.ViewOpened()
	m.ViewClosed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sends.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues(string(chat.KindOversize))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.receipts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.typing))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("joined")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.busEvents.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.views))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SendSucceeded()
		m.SendFailed(chat.KindTransient)
		m.ReceiptApplied()
		m.TypingEdge()
		m.CallStarted(true)
		m.CallFailed()
		m.BusEvent("typing")
		m.ViewOpened()
		m.ViewClosed()
	})
}
