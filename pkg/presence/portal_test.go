package presence

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/token"
)

var checkinLink = regexp.MustCompile(`href="https://host/scan\?([^"]+)"`)

func TestPortalRendersFreshToken(t *testing.T) {
	t.Parallel()

	iss := newTestIssuer(t)
	p := NewPortal(PortalConfig{BaseURL: "https://host/scan", DeviceIndex: 3}, iss, newFakeGate(true))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	m := checkinLink.FindStringSubmatch(rec.Body.String())
	if m == nil {
		t.Fatalf("no check-in link in body:\n%s", rec.Body.String())
	}
	info := iss.DecodeAt(m[1], time.Unix(testNow, 0), token.DefaultTolerance)
	if !info.Valid {
		t.Fatalf("portal token invalid: %s", info.Message)
	}
	if info.AccessMethod != token.MethodWeb || info.DeviceIndex != 3 {
		t.Errorf("decoded = %+v", info)
	}
}

func TestPortalClockNotReady(t *testing.T) {
	t.Parallel()

	p := NewPortal(PortalConfig{BaseURL: "https://host/scan"}, newTestIssuer(t), newFakeGate(false))

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `id="not-ready"`) {
		t.Error("body should carry the not-ready notice")
	}
	if strings.Contains(body, "scan?") {
		t.Error("no token should be rendered before the clock is valid")
	}
}

func TestPortalRedirects(t *testing.T) {
	t.Parallel()

	p := NewPortal(PortalConfig{BaseURL: "https://host/scan"}, newTestIssuer(t), newFakeGate(true))

	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/generate_204"},
		{http.MethodGet, "/hotspot-detect.html"},
		{http.MethodPost, "/"},
	} {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

		if rec.Code != http.StatusFound {
			t.Errorf("%s %s: status = %d, want 302", tt.method, tt.path, rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "/" {
			t.Errorf("%s %s: Location = %q", tt.method, tt.path, loc)
		}
		if rec.Body.String() != RedirectBody {
			t.Errorf("%s %s: body = %q", tt.method, tt.path, rec.Body.String())
		}
	}
}
