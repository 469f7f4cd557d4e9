package presence

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("tapbeacon.presence")

	metricRefreshes   metric.Int64Counter
	metricTaps        metric.Int64Counter
	metricPortalViews metric.Int64Counter
)

func init() {
	var err error

	metricRefreshes, err = meter.Int64Counter("tapbeacon.presence.refreshes",
		metric.WithDescription("Token refreshes by channel and result"),
		metric.WithUnit("{refreshes}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricTaps, err = meter.Int64Counter("tapbeacon.presence.taps",
		metric.WithDescription("Field detections, accepted or debounced"),
		metric.WithUnit("{taps}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricPortalViews, err = meter.Int64Counter("tapbeacon.presence.portal_views",
		metric.WithDescription("Captive portal page renders"),
		metric.WithUnit("{requests}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
