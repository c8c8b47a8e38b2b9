package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HeaderUpstreamURL 携带 /objects 形式请求的上游重定向目标。
const HeaderUpstreamURL = "X-Upstream-Url"

// Route 是一次代理请求解析后的目标：所属命名空间、完整上游地址与对象路径。
type Route struct {
	Namespace *NamespaceRoute
	// Upstream 为上游重定向目标，包含签名查询串。
	Upstream *url.URL
	// Path 为对象逻辑路径（已解码、不含查询串），用于推导缓存键。
	Path string
}

// ProxyHandler describes the component responsible for serving a resolved
// object request. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Route) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Route) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *Route) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *NamespaceRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const contextKeyRequestID = "_lfscache_request_id"

var (
	errNamespaceUnmapped = errors.New("namespace_unmapped")
	errDomainNotAllowed  = errors.New("domain_not_allowed")
	errInvalidTarget     = errors.New("invalid_upstream_target")
)

// NewApp builds a Fiber application with the two proxy route shapes, the
// request-id middleware and structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("namespace registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	methods := []string{fiber.MethodGet, fiber.MethodHead}
	app.Add(methods, "/proxy/:scheme/:domain/*", func(c fiber.Ctx) error {
		route, err := resolveRedirectRoute(c, opts.Registry)
		if err != nil {
			return renderUnmapped(c, opts.Logger, err, c.Params("domain"))
		}
		return opts.Proxy.Handle(c, route)
	})
	app.Add(methods, "/objects/:namespace/*", func(c fiber.Ctx) error {
		route, err := resolveObjectRoute(c, opts.Registry)
		if err != nil {
			return renderUnmapped(c, opts.Logger, err, c.Get(HeaderUpstreamURL))
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写回响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// resolveRedirectRoute 处理 /proxy/<scheme>/<domain>/<path>?<query>：
// 边缘层把 Location 改写成该形式，域名必须在某个命名空间的白名单内。
func resolveRedirectRoute(c fiber.Ctx, registry *NamespaceRegistry) (*Route, error) {
	scheme := strings.ToLower(c.Params("scheme"))
	if scheme != "http" && scheme != "https" {
		return nil, errInvalidTarget
	}
	domain := c.Params("domain")
	ns, ok := registry.LookupDomain(domain)
	if !ok {
		return nil, errDomainNotAllowed
	}

	upstream, err := url.Parse(fmt.Sprintf("%s://%s/%s", scheme, domain, c.Params("*")))
	if err != nil || upstream.Path == "" || upstream.Path == "/" {
		return nil, errInvalidTarget
	}
	upstream.RawQuery = string(c.Request().URI().QueryString())

	return &Route{Namespace: ns, Upstream: upstream, Path: upstream.Path}, nil
}

// resolveObjectRoute 处理 /objects/<namespace>/<path>，上游目标来自 X-Upstream-Url，
// 其主机同样必须属于该命名空间。
func resolveObjectRoute(c fiber.Ctx, registry *NamespaceRegistry) (*Route, error) {
	ns, ok := registry.Lookup(c.Params("namespace"))
	if !ok {
		return nil, errNamespaceUnmapped
	}

	raw := strings.TrimSpace(c.Get(HeaderUpstreamURL))
	if raw == "" {
		return nil, errInvalidTarget
	}
	upstream, err := url.Parse(raw)
	if err != nil || (upstream.Scheme != "http" && upstream.Scheme != "https") || upstream.Host == "" {
		return nil, errInvalidTarget
	}
	if !ns.AllowsHost(upstream.Host) {
		return nil, errDomainNotAllowed
	}

	objectPath, err := url.PathUnescape(c.Params("*"))
	if err != nil || objectPath == "" {
		return nil, errInvalidTarget
	}

	return &Route{Namespace: ns, Upstream: upstream, Path: "/" + objectPath}, nil
}

func renderUnmapped(c fiber.Ctx, logger *logrus.Logger, err error, target string) error {
	status := fiber.StatusNotFound
	if errors.Is(err, errInvalidTarget) {
		status = fiber.StatusBadRequest
	}

	logger.WithFields(logrus.Fields{
		"action":     "route_lookup",
		"path":       c.Path(),
		"target":     target,
		"request_id": RequestID(c),
	}).Warn(err.Error())

	return c.Status(status).JSON(fiber.Map{
		"error": err.Error(),
	})
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
