package timesync

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("tapbeacon.timesync")

	metricSyncs        metric.Int64Counter
	metricSyncFailures metric.Int64Counter
)

func init() {
	var err error

	metricSyncs, err = meter.Int64Counter("tapbeacon.timesync.syncs",
		metric.WithDescription("Successful clock synchronizations"),
		metric.WithUnit("{syncs}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricSyncFailures, err = meter.Int64Counter("tapbeacon.timesync.failures",
		metric.WithDescription("Sync rounds where every server failed"),
		metric.WithUnit("{syncs}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
