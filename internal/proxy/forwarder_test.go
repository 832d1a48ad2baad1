package proxy

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/any-hub/cachegate/internal/config"
	"github.com/any-hub/cachegate/internal/network"
	"github.com/any-hub/cachegate/internal/server"
	"github.com/any-hub/cachegate/internal/strategy"
)

const requestIDKey = "_cachegate_request_id"

type dispatcherFunc func(ctx context.Context, req *network.Request) (*strategy.Result, error)

func (f dispatcherFunc) Handle(ctx context.Context, req *network.Request) (*strategy.Result, error) {
	return f(ctx, req)
}

func TestForwarderMissingDispatcher(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	forwarder := NewForwarder(func(string) (Dispatcher, bool) { return nil, false }, logger)

	if err := forwarder.Handle(ctx, testRoute("unknown")); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for missing dispatcher, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "site_dispatcher_missing") {
		t.Fatalf("expected error body to mention site_dispatcher_missing, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "site_dispatcher_missing") {
		t.Fatalf("expected log to mention site_dispatcher_missing, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderDispatcherPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	panicking := dispatcherFunc(func(context.Context, *network.Request) (*strategy.Result, error) {
		panic("boom")
	})
	forwarder := NewForwarder(func(name string) (Dispatcher, bool) {
		return panicking, name == "docs"
	}, logger)

	if err := forwarder.Handle(ctx, testRoute("docs")); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 for dispatcher panic, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "dispatch_panic") {
		t.Fatalf("expected error body to mention dispatch_panic, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "boom") {
		t.Fatalf("expected log to include panic value, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "panic-req" {
		t.Fatalf("expected request id header panic-req, got %s", got)
	}
}

func testRoute(name string) *server.SiteRoute {
	return &server.SiteRoute{
		Config: config.SiteConfig{
			Name:   name,
			Domain: name + ".local",
			Origin: "https://" + name + ".example.com",
		},
	}
}
