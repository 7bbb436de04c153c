package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsIdempotent(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()
}

func TestRecordFrameCounts(t *testing.T) {
	before := testutil.ToFloat64(frames.WithLabelValues("read"))
	RecordFrame("read", 128)
	RecordFrame("read", 64)
	if got := testutil.ToFloat64(frames.WithLabelValues("read")); got != before+2 {
		t.Fatalf("frames = %v, want %v", got, before+2)
	}
	bytesBefore := testutil.ToFloat64(frameBytes.WithLabelValues("write"))
	RecordFrame("write", 100)
	if got := testutil.ToFloat64(frameBytes.WithLabelValues("write")); got != bytesBefore+100 {
		t.Fatalf("frame bytes = %v, want %v", got, bytesBefore+100)
	}
}

func TestRecordCallAndProcessEvent(t *testing.T) {
	before := testutil.ToFloat64(calls.WithLabelValues("execute", "ok"))
	RecordCall("execute", "ok", 5*time.Millisecond)
	if got := testutil.ToFloat64(calls.WithLabelValues("execute", "ok")); got != before+1 {
		t.Fatalf("calls = %v, want %v", got, before+1)
	}

	spawns := testutil.ToFloat64(processEvents.WithLabelValues("spawn"))
	RecordProcessEvent("spawn")
	if got := testutil.ToFloat64(processEvents.WithLabelValues("spawn")); got != spawns+1 {
		t.Fatalf("process events = %v, want %v", got, spawns+1)
	}
}
