package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"pegledger/core/events"
)

func TestLedgerObserveCountsOutcomes(t *testing.T) {
	m := Ledger()
	m.Observe("settle_loan", 5*time.Millisecond, "ok")
	m.Observe("settle_loan", time.Millisecond, "insufficient_allowance")
	m.Observe("settle_loan", time.Millisecond, "insufficient_allowance")

	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("settle_loan", "ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("settle_loan", "insufficient_allowance")))
}

func TestEventsEmitterCountsByType(t *testing.T) {
	m := Events()
	var emitter events.Emitter = m
	emitter.Emit(events.LoanOpened{LoanID: 1})
	emitter.Emit(events.LoanOpened{LoanID: 2})
	require.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues(events.TypeLoanOpened)))
}

func TestHTTPObserveDefaultsRoute(t *testing.T) {
	m := HTTP()
	m.Observe("", "GET", 404, time.Millisecond)
	m.RecordThrottle("")
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "GET", "404")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.throttle.WithLabelValues("unspecified")))
}
