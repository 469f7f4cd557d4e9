package otel

import (
	"io"
	"log"
	"strings"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// logBridgeWriter is an io.Writer that intercepts log.Printf output,
// parses [Tag] prefixes into structured attributes, and emits OTel log records.
// Every line is also passed on to the previous log writer.
type logBridgeWriter struct {
	next   io.Writer
	logger otellog.Logger
}

// Write implements io.Writer. It parses each log line for a [Component] prefix,
// extracts it as an attribute, and emits an OTel log record.
func (w *logBridgeWriter) Write(p []byte) (int, error) {
	n, err := w.next.Write(p)

	line := strings.TrimSpace(string(p))
	if line == "" {
		return n, err
	}

	component, body := parseLogLine(line)

	var record otellog.Record
	record.SetTimestamp(time.Now())
	record.SetBody(otellog.StringValue(body))
	record.SetSeverity(severityOf(component, body))
	record.AddAttributes(otellog.String("component", component))

	w.logger.Emit(nil, record) //nolint:staticcheck // nil context is fine for fire-and-forget

	return n, err
}

// severityOf raises failure lines to Warn. Components log failures as
// "Failed to ...", "... error: ..." or with a WARNING: prefix.
func severityOf(component, body string) otellog.Severity {
	switch component {
	case "error", "warning":
		return otellog.SeverityWarn
	}
	lower := strings.ToLower(body)
	if strings.HasPrefix(lower, "warning:") || strings.HasPrefix(lower, "failed") ||
		strings.Contains(lower, " error:") || strings.HasPrefix(lower, "rejected") {
		return otellog.SeverityWarn
	}
	return otellog.SeverityInfo
}

// parseLogLine extracts a [Tag] prefix from a log line.
// Input:  "2026/02/17 12:00:00 [NFC] Field detected"
// Output: component="nfc", body="Field detected"
//
// If no [Tag] is found, component is "general" and body is the full line
// (with the stdlib log timestamp prefix stripped if present).
func parseLogLine(line string) (component, body string) {
	// Strip stdlib log timestamp prefix, YYYY/MM/DD HH:MM:SS
	stripped := line
	if len(line) > 20 && line[4] == '/' && line[7] == '/' && line[10] == ' ' && line[13] == ':' {
		stripped = strings.TrimSpace(line[20:])
	}

	if len(stripped) > 2 && stripped[0] == '[' {
		end := strings.IndexByte(stripped, ']')
		if end > 1 {
			component = strings.ToLower(stripped[1:end])
			body = strings.TrimSpace(stripped[end+1:])
			return component, body
		}
	}

	return "general", stripped
}

// InstallLogBridge wraps the current log output with a writer that also
// forwards each line to the OTel LoggerProvider. Existing log.Printf calls
// require zero changes.
func InstallLogBridge(lp *sdklog.LoggerProvider, name string) {
	log.SetOutput(&logBridgeWriter{
		next:   log.Writer(),
		logger: lp.Logger(name + ".log"),
	})
}
