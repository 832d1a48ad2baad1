package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterRoutesRequestWhenHostMatches(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://docs.local/index.html", nil)
	req.Host = "docs.local"
	req.Header.Set("Host", "docs.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s, hostHeader=%s)", resp.StatusCode, string(body), resp.Header.Get("X-Cachegate-Host"))
	}

	if app.recorder.routeName != "docs" {
		t.Fatalf("expected docs route, got %s", app.recorder.routeName)
	}
	if app.recorder.requestID == "" || app.recorder.requestID != resp.Header.Get("X-Request-ID") {
		t.Fatalf("expected X-Request-ID header to match handler request id")
	}
}

func TestRouterReturns404WhenHostUnknown(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://unknown.local/", nil)
	req.Host = "unknown.local"
	req.Header.Set("Host", "unknown.local")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped error, got %s", string(body))
	}
	if resp.Header.Get("X-Cachegate-Host") != "unknown.local" {
		t.Fatalf("expected unmapped host header")
	}
}

func TestRouterAppliesHostCheckToManagementPaths(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("POST", "http://unknown.local/-/sites/docs/deploy", nil)
	req.Host = "unknown.local"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusNotFound || !bytes.Contains(body, []byte(`"host_unmapped"`)) {
		t.Fatalf("expected host_unmapped, got %d %s", resp.StatusCode, body)
	}

	req = httptest.NewRequest("GET", "http://docs.local/-/sites", nil)
	req.Host = "docs.local"
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent || app.recorder.routeName != "docs" {
		t.Fatalf("mapped host should reach the site handler, got %d route=%q", resp.StatusCode, app.recorder.routeName)
	}
}

func TestRouterKeepsInboundRequestID(t *testing.T) {
	app := newTestApp(t, 5000)

	const inbound = "6f1c2d36-52e4-4a5b-9f0e-3b0d2f8f5a11"
	req := httptest.NewRequest("GET", "http://docs.local/app.css", nil)
	req.Host = "docs.local"
	req.Header.Set("X-Request-ID", inbound)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got != inbound {
		t.Fatalf("expected inbound request id %s, got %s", inbound, got)
	}
	if app.recorder.requestID != inbound {
		t.Fatalf("handler saw request id %s", app.recorder.requestID)
	}

	req = httptest.NewRequest("GET", "http://docs.local/app.css", nil)
	req.Host = "docs.local"
	req.Header.Set("X-Request-ID", "not a uuid")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" || got == "not a uuid" {
		t.Fatalf("invalid inbound id should be replaced, got %q", got)
	}
}

func TestNewAppRequiresDependencies(t *testing.T) {
	registry, _ := NewSiteRegistry(testConfig(5000, docsSite()))
	if _, err := NewApp(AppOptions{Registry: registry, Handler: &handlerRecorder{}, ListenPort: 5000}); err == nil {
		t.Fatalf("expected missing logger error")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New(), Registry: registry, ListenPort: 5000}); err == nil {
		t.Fatalf("expected missing handler error")
	}
}

type testApp struct {
	*fiber.App
	recorder *handlerRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	registry, err := NewSiteRegistry(testConfig(port, docsSite()))
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	if _, ok := registry.Lookup("docs.local"); !ok {
		t.Fatalf("registry lookup failed for docs")
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &handlerRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Registry:   registry,
		Handler:    recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

type handlerRecorder struct {
	lastRoute *SiteRoute
	routeName string
	requestID string
}

func (p *handlerRecorder) Handle(c fiber.Ctx, route *SiteRoute) error {
	p.lastRoute = route
	p.routeName = route.Config.Name
	p.requestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
