package beacon

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the beacon package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("tapbeacon.beacon")

	metricKeyRotations metric.Int64Counter
)

func init() {
	var err error

	metricKeyRotations, err = meter.Int64Counter("tapbeacon.keys.rotations",
		metric.WithDescription("Signing key rotations"),
		metric.WithUnit("{rotations}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
