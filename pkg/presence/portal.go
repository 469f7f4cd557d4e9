package presence

import (
	"html/template"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/timesync"
	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
)

// RedirectBody is sent with every captive portal redirect. iOS only detects
// a captive portal when the redirect carries a body.
const RedirectBody = "Redirecting to the Captive Portal"

var portalTemplate = template.Must(template.New("portal").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Ready}}<p><a id="checkin" href="{{.URL}}">Check in</a></p>
<p><small>Link valid for a short time. Reload the page for a new one.</small></p>
{{else}}<p id="not-ready">The beacon clock is not synchronized yet. Please try again in a moment.</p>
{{end}}</body>
</html>
`))

// PortalConfig configures a Portal.
type PortalConfig struct {
	Title       string
	Method      token.AccessMethod
	DeviceIndex int
	BaseURL     string
}

// Portal is the captive portal page. Every render issues a fresh web token;
// every path other than "/" redirects to it.
type Portal struct {
	cfg    PortalConfig
	issuer Issuer
	gate   timesync.Source
	seq    atomic.Uint64
}

// NewPortal creates a Portal.
func NewPortal(cfg PortalConfig, issuer Issuer, gate timesync.Source) *Portal {
	if cfg.Title == "" {
		cfg.Title = "Attendance Check-in"
	}
	if cfg.Method == "" {
		cfg.Method = token.MethodWeb
	}
	return &Portal{cfg: cfg, issuer: issuer, gate: gate}
}

type portalPage struct {
	Title string
	Ready bool
	URL   template.URL
}

func (p *Portal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		w.Header().Set("Location", "/")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusFound)
		w.Write([]byte(RedirectBody))
		log.Printf("[CaptivePortal] Redirecting %s %s to root", r.Method, r.URL.Path)
		return
	}

	page := portalPage{Title: p.cfg.Title}
	if p.gate.Valid() {
		tok := issue(p.issuer, p.gate.Now(), p.cfg.Method, p.cfg.DeviceIndex, p.seq.Add(1)-1)
		page.Ready = true
		// token alphabet is digits, method runes, ':' and hex
		page.URL = template.URL(ScanURL(p.cfg.BaseURL, tok))
	}
	metricPortalViews.Add(r.Context(), 1)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := portalTemplate.Execute(w, page); err != nil {
		log.Printf("[CaptivePortal] Render failed: %v", err)
	}
}
