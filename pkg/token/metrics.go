package token

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the token package.
// When no MeterProvider is configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("tapbeacon.token")

	metricGenerated metric.Int64Counter
	metricDecoded   metric.Int64Counter
)

func init() {
	var err error

	metricGenerated, err = meter.Int64Counter("tapbeacon.tokens.generated",
		metric.WithDescription("Tokens issued"),
		metric.WithUnit("{tokens}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricDecoded, err = meter.Int64Counter("tapbeacon.tokens.decoded",
		metric.WithDescription("Tokens decoded, by result"),
		metric.WithUnit("{tokens}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
