package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/cachegate/internal/server"
)

// Resolver 根据站点名称返回其 Dispatcher。
type Resolver func(site string) (Dispatcher, bool)

// Forwarder 实现 server.SiteHandler：找到站点的 Dispatcher 并转发请求，
// 同时兜住处理过程中的 panic。
type Forwarder struct {
	resolve Resolver
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(resolve Resolver, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		resolve: resolve,
		logger:  logger,
	}
}

// Handle 实现 server.SiteHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	requestID := server.RequestID(c)
	dispatcher := f.lookup(route)
	if dispatcher == nil {
		return f.respondMissingDispatcher(c, route, requestID)
	}
	return f.invoke(c, route, dispatcher, requestID)
}

func (f *Forwarder) lookup(route *server.SiteRoute) Dispatcher {
	if f.resolve == nil || route == nil {
		return nil
	}
	dispatcher, ok := f.resolve(route.Config.Name)
	if !ok {
		return nil
	}
	return dispatcher
}

func (f *Forwarder) respondMissingDispatcher(c fiber.Ctx, route *server.SiteRoute, requestID string) error {
	f.logSiteError(route, "site_dispatcher_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return writeError(c, fiber.StatusInternalServerError, "site_dispatcher_missing")
}

func (f *Forwarder) invoke(c fiber.Ctx, route *server.SiteRoute, dispatcher Dispatcher, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondPanic(c, route, r, requestID)
		}
	}()
	return f.serve(c, route, dispatcher, requestID)
}

func (f *Forwarder) respondPanic(c fiber.Ctx, route *server.SiteRoute, recovered interface{}, requestID string) error {
	f.logSiteError(route, "dispatch_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return writeError(c, fiber.StatusInternalServerError, "dispatch_panic")
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logSiteError(route *server.SiteRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "proxy",
		"error":  code,
	}
	if route != nil {
		fields["site"] = route.Config.Name
		fields["domain"] = route.Config.Domain
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("site dispatcher unavailable")
}
