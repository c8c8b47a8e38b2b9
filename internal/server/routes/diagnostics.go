package routes

import (
	"sort"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/lfs-cache/internal/backend"
	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/download"
	"github.com/any-hub/lfs-cache/internal/server"
	"github.com/any-hub/lfs-cache/internal/version"
)

// Deps 汇总 /-/ 诊断与管理接口依赖的运行时组件。
type Deps struct {
	Registry    *server.NamespaceRegistry
	Store       cache.Store
	Coordinator *download.Coordinator
	// Gatherer 为空时不暴露 /-/metrics。
	Gatherer  prometheus.Gatherer
	Logger    *logrus.Logger
	StartedAt time.Time
}

// RegisterAdminRoutes 暴露 /-/ 前缀下的诊断接口，供 SRE 查询命名空间、拉取状态与缓存内容。
func RegisterAdminRoutes(app *fiber.App, deps Deps) {
	if app == nil || deps.Registry == nil || deps.Store == nil || deps.Coordinator == nil {
		return
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		snapshot := deps.Coordinator.Snapshot()
		return c.JSON(fiber.Map{
			"status":         "ok",
			"version":        version.Full(),
			"uptime_seconds": int64(time.Since(deps.StartedAt) / time.Second),
			"namespaces":     len(deps.Registry.List()),
			"in_flight":      len(snapshot.InFlight),
		})
	})

	app.Get("/-/namespaces", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"namespaces": encodeNamespaces(deps.Registry.List()),
			"backends":   encodeBackends(backend.List()),
		})
	})

	app.Get("/-/fetches", func(c fiber.Ctx) error {
		return c.JSON(deps.Coordinator.Snapshot())
	})

	if deps.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	registerCacheRoutes(app, deps)
}

type namespacePayload struct {
	Name           string   `json:"name"`
	Backend        string   `json:"backend"`
	Domains        []string `json:"domains"`
	Outbound       string   `json:"outbound"`
	VerifyChecksum bool     `json:"verify_checksum"`
	Port           int      `json:"port"`
}

type backendPayload struct {
	Key            string   `json:"key"`
	Description    string   `json:"description"`
	ValidationMode string   `json:"validation_mode"`
	TagHeaders     []string `json:"tag_headers"`
	ContentAddress bool     `json:"content_addressed"`
}

func encodeNamespaces(routes []server.NamespaceRoute) []namespacePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]namespacePayload, 0, len(routes))
	for _, route := range routes {
		outbound := "direct"
		if route.Proxy != "" {
			outbound = "proxied"
		}
		result = append(result, namespacePayload{
			Name:           route.Config.Name,
			Backend:        route.Backend.Key,
			Domains:        route.Domains(),
			Outbound:       outbound,
			VerifyChecksum: route.Config.ChecksumEnabled(),
			Port:           route.ListenPort,
		})
	}
	return result
}

func encodeBackends(profiles []backend.Profile) []backendPayload {
	result := make([]backendPayload, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, backendPayload{
			Key:            p.Key,
			Description:    p.Description,
			ValidationMode: string(p.ValidationMode),
			TagHeaders:     append([]string(nil), p.TagHeaders...),
			ContentAddress: p.KeyRewrite != nil,
		})
	}
	return result
}
