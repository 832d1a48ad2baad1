package routes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/cachegate/internal/cache"
	"github.com/any-hub/cachegate/internal/engine"
	"github.com/any-hub/cachegate/internal/precache"
	"github.com/any-hub/cachegate/internal/site"
)

// RegisterSiteRoutes 在管理监听上暴露 /-/sites 诊断与重新部署接口。
func RegisterSiteRoutes(app *fiber.App, set *site.Set) {
	if app == nil || set == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sites": encodeStatuses(set.List())})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		runtime, ok := lookupSite(set, c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		payload := sitePayload{Status: runtime.Deployer.Status()}
		if eng := runtime.Deployer.Active(); eng != nil {
			stats, err := eng.PartitionStats(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "partition_stats_failed"})
			}
			payload.Entries = stats
		}
		return c.JSON(payload)
	})

	app.Post("/-/sites/:name/deploy", func(c fiber.Ctx) error {
		runtime, ok := lookupSite(set, c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		var req deployRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		req.Version = strings.TrimSpace(req.Version)
		if req.Version == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "version_required"})
		}
		if err := runtime.Deploy(c.Context(), req.Version, req.Manifest); err != nil {
			switch {
			case errors.Is(err, precache.ErrForeignOrigin):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error":   "manifest_invalid",
					"message": err.Error(),
				})
			case errors.Is(err, cache.ErrInvalidPartition):
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error":   "version_invalid",
					"message": err.Error(),
				})
			}
			var failure *precache.Failure
			if errors.As(err, &failure) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{
					"error":   "precache_failed",
					"url":     failure.URL,
					"message": failure.Error(),
					"active":  runtime.Deployer.Status(),
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "deploy_failed",
				"message": err.Error(),
			})
		}
		return c.JSON(runtime.Deployer.Status())
	})
}

type deployRequest struct {
	Version  string   `json:"version"`
	Manifest []string `json:"manifest"`
}

type sitePayload struct {
	engine.Status
	Entries map[string]int `json:"entries,omitempty"`
}

func lookupSite(set *site.Set, raw string) (*site.Runtime, bool) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return nil, false
	}
	return set.Get(name)
}

func encodeStatuses(runtimes []*site.Runtime) []engine.Status {
	result := make([]engine.Status, 0, len(runtimes))
	for _, runtime := range runtimes {
		result = append(result, runtime.Deployer.Status())
	}
	return result
}
