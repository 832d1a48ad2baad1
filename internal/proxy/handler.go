package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/cachegate/internal/logging"
	"github.com/any-hub/cachegate/internal/network"
	"github.com/any-hub/cachegate/internal/server"
	"github.com/any-hub/cachegate/internal/strategy"
)

// Dispatcher 是站点的请求入口，通常是 *engine.Deployer。
type Dispatcher interface {
	Handle(ctx context.Context, req *network.Request) (*strategy.Result, error)
}

// serve 把 Fiber 请求转换成 network.Request，交给 Dispatcher，再把结果写回客户端。
func (f *Forwarder) serve(c fiber.Ctx, route *server.SiteRoute, dispatcher Dispatcher, requestID string) error {
	req, err := buildRequest(c, route)
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.WithRequestID(ctx, requestID)

	result, err := dispatcher.Handle(ctx, req)
	if err != nil {
		if network.IsNetworkError(err) {
			return writeError(c, fiber.StatusBadGateway, "network_error")
		}
		f.logSiteError(route, "dispatch_failed", err, requestID)
		return writeError(c, fiber.StatusInternalServerError, "dispatch_failed")
	}
	return writeResponse(c, result.Response)
}

// buildRequest 以源站地址为基准拼出绝对 URL，缓存 Key 即由此 URL 生成。
func buildRequest(c fiber.Ctx, route *server.SiteRoute) (*network.Request, error) {
	uri := c.Request().URI()
	target := &url.URL{}
	if route.OriginURL != nil {
		*target = *route.OriginURL
	}
	target.Path = strings.TrimRight(target.Path, "/") + requestPath(c)
	target.RawPath = ""
	target.RawQuery = string(uri.QueryString())
	target.Fragment = ""

	header := fiberHeadersAsHTTP(c)
	header.Del(fiber.HeaderHost)

	return network.NewRequest(c.Method(), target.String(), header, append([]byte(nil), c.Body()...))
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	if !strings.HasPrefix(pathVal, "/") {
		pathVal = "/" + pathVal
	}
	return pathVal
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func writeResponse(c fiber.Ctx, resp *network.Response) error {
	if resp == nil {
		return writeError(c, fiber.StatusBadGateway, "network_error")
	}
	for key, values := range resp.Header {
		if network.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Status(resp.Status)
	if resp.Stream != nil {
		return c.SendStream(resp.Stream)
	}
	return c.Send(resp.Body)
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
