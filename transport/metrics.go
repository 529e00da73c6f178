package transport

import (
	"github.com/hashicorp/go-metrics"
)

var (
	MetricDialCount         = []string{"p2phun", "rpc", "dial", "count"}
	MetricDialErrorCount    = []string{"p2phun", "rpc", "dial", "error", "count"}
	MetricCallCount         = []string{"p2phun", "rpc", "call", "count"}
	MetricCallErrorCount    = []string{"p2phun", "rpc", "call", "error", "count"}
	MetricCallLatency       = []string{"p2phun", "rpc", "call", "latency"}
	MetricBytesOut          = []string{"p2phun", "rpc", "out", "bytes"}
	MetricBytesIn           = []string{"p2phun", "rpc", "in", "bytes"}
	MetricPoolDiscardCount  = []string{"p2phun", "rpc", "pool", "discard", "count"}
	MetricPoolChannelsInUse = []string{"p2phun", "rpc", "pool", "channels"}
)

type TelemetryLabel string

var (
	LabelRemote TelemetryLabel = "remote"
	LabelMethod TelemetryLabel = "method"
	LabelError  TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// withLabels returns base plus extra without touching base's backing array.
func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
