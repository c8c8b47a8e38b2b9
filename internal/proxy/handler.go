package proxy

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/download"
	"github.com/any-hub/lfs-cache/internal/integrity"
	"github.com/any-hub/lfs-cache/internal/logging"
	"github.com/any-hub/lfs-cache/internal/metrics"
	"github.com/any-hub/lfs-cache/internal/origin"
	"github.com/any-hub/lfs-cache/internal/server"
)

const (
	// HeaderLinkedEtag 是客户端断言的内容标签，缺省时回退到 If-Match。
	HeaderLinkedEtag = "X-Linked-Etag"
	HeaderCacheHit   = "X-Lfs-Cache-Hit"
	HeaderCacheSHA   = "X-Lfs-Cache-Sha256"
)

// streamChunkSize 是向客户端写正文时每块的大小。
const streamChunkSize = 32 << 10

// Handler 负责 orchestrate “缓存命中 → 新鲜度判定 → 加入/发起拉取 → 流式输出” 的全流程，
// 对外暴露 Fiber handler。同一个键的并发请求共享协调器中的单次拉取。
type Handler struct {
	logger  *logrus.Logger
	store   cache.Store
	coord   *download.Coordinator
	metrics *metrics.Recorder
}

// NewHandler constructs a proxy handler over the shared store and coordinator.
func NewHandler(logger *logrus.Logger, store cache.Store, coord *download.Coordinator, rec *metrics.Recorder) *Handler {
	return &Handler{
		logger:  logger,
		store:   store,
		coord:   coord,
		metrics: rec,
	}
}

// requestState 汇总一次请求在日志与指标中需要的上下文。
type requestState struct {
	route     *server.Route
	key       cache.Key
	requestID string
	method    string
	started   time.Time
	// result 为 hit / miss / join / error，用作指标标签。
	result string
}

// Handle 执行缓存查找、新鲜度判定和流式输出，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.Route) error {
	st := &requestState{
		route:     route,
		requestID: server.RequestID(c),
		method:    c.Method(),
		started:   time.Now(),
	}
	ns := route.Namespace

	key, err := cache.NewKey(ns.Name(), route.Path)
	if err != nil {
		st.key = cache.Key{Namespace: ns.Name(), Path: route.Path}
		st.result = "error"
		h.logResult(st, fiber.StatusBadRequest, false, 0, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_key")
	}
	st.key = ns.Backend.RewriteKey(key)

	asserted := strings.TrimSpace(c.Get(HeaderLinkedEtag))
	if asserted == "" {
		asserted = strings.TrimSpace(c.Get(fiber.HeaderIfMatch))
	}
	rng, hasRange := parseRange(c.Get(fiber.HeaderRange))

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := h.store.Open(ctx, st.key)
	switch {
	case err == nil:
		if ns.Backend.Fresh(res.Entry, asserted) {
			st.result = "hit"
			return h.serveCache(c, st, res, rng, hasRange)
		}
		_ = res.Close()
		h.logger.WithFields(h.fields(st)).
			WithFields(logrus.Fields{"stored_etag": res.Entry.ETag, "asserted_etag": asserted}).
			Info("cache_stale")
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		h.logger.WithError(err).WithFields(h.fields(st)).Warn("cache_open_failed")
	}

	return h.serveFlight(ctx, c, st, download.Target{
		Key:            st.key,
		URL:            route.Upstream.String(),
		Proxy:          ns.Proxy,
		Backend:        ns.Backend,
		AssertedTag:    asserted,
		VerifyChecksum: ns.Config.ChecksumEnabled(),
	}, rng, hasRange)
}

func (h *Handler) serveCache(c fiber.Ctx, st *requestState, res *cache.ReadResult, rng byteRange, hasRange bool) error {
	entry := res.Entry
	start, length, status, err := applyRange(rng, hasRange, entry.SizeBytes)
	if err != nil {
		_ = res.Close()
		return h.rangeNotSatisfiable(c, st, entry.SizeBytes, true)
	}

	h.setObjectHeaders(c, st, entry.ETag, entry.Extra["content_type"], true)
	c.Set(HeaderCacheSHA, entry.SHA256)
	if status == fiber.StatusPartialContent {
		c.Set(fiber.HeaderContentRange, formatContentRange(start, length, entry.SizeBytes))
	}
	c.Status(status)

	if st.method == fiber.MethodHead {
		_ = res.Close()
		c.Response().Header.SetContentLength(int(length))
		h.logResult(st, status, true, 0, nil)
		return nil
	}

	body := h.trackBody(st, status, true, res.SectionReader(start, length), res.Close)
	return c.SendStream(body, int(length))
}

func (h *Handler) serveFlight(
	ctx context.Context,
	c fiber.Ctx,
	st *requestState,
	target download.Target,
	rng byteRange,
	hasRange bool,
) error {
	sub, err := h.coord.Subscribe(target)
	if err != nil {
		return h.fail(c, st, err)
	}
	info, err := sub.Ready(ctx)
	if err != nil {
		_ = sub.Close()
		return h.fail(c, st, err)
	}
	// Ready 可能把订阅换到另一个拉取上，结果以换过之后为准。
	switch {
	case info.FromCache:
		st.result = "hit"
	case sub.Joined():
		st.result = "join"
	default:
		st.result = "miss"
	}

	size := info.Size
	if size < 0 && hasRange {
		// 上游未声明长度，只能等拉取结束后再校验区间。
		entry, err := sub.Wait(ctx)
		if err != nil {
			_ = sub.Close()
			return h.fail(c, st, err)
		}
		size = entry.SizeBytes
	}

	start, length := int64(0), int64(-1)
	status := fiber.StatusOK
	if size >= 0 {
		start, length, status, err = applyRange(rng, hasRange, size)
		if err != nil {
			_ = sub.Close()
			return h.rangeNotSatisfiable(c, st, size, info.FromCache)
		}
	}

	h.setObjectHeaders(c, st, info.ETag, info.ContentType, info.FromCache)
	if status == fiber.StatusPartialContent {
		c.Set(fiber.HeaderContentRange, formatContentRange(start, length, size))
	}
	c.Status(status)

	if st.method == fiber.MethodHead {
		_ = sub.Close()
		if length >= 0 {
			c.Response().Header.SetContentLength(int(length))
		}
		h.logResult(st, status, info.FromCache, 0, nil)
		return nil
	}

	body := h.trackBody(st, status, info.FromCache, sub.Reader(start, length), nil)
	return c.SendStream(body, int(length))
}

// applyRange 返回实际输出的区间与状态码；未携带（或忽略了）Range 时输出完整对象。
func applyRange(rng byteRange, hasRange bool, size int64) (start, length int64, status int, err error) {
	if !hasRange {
		return 0, size, fiber.StatusOK, nil
	}
	start, length, err = rng.resolve(size)
	if err != nil {
		return 0, 0, fiber.StatusRequestedRangeNotSatisfiable, err
	}
	return start, length, fiber.StatusPartialContent, nil
}

func (h *Handler) setObjectHeaders(c fiber.Ctx, st *requestState, etag, contentType string, cacheHit bool) {
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	if etag != "" {
		c.Set(fiber.HeaderETag, etag)
	}
	c.Set(HeaderCacheHit, strconv.FormatBool(cacheHit))
	if st.requestID != "" {
		c.Set("X-Request-ID", st.requestID)
	}
}

func (h *Handler) rangeNotSatisfiable(c fiber.Ctx, st *requestState, size int64, cacheHit bool) error {
	c.Set(fiber.HeaderContentRange, "bytes */"+strconv.FormatInt(size, 10))
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	h.logResult(st, fiber.StatusRequestedRangeNotSatisfiable, cacheHit, 0, ErrRangeNotSatisfiable)
	return h.writeError(c, fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
}

// fail 将拉取错误映射为状态码并记录日志。
func (h *Handler) fail(c fiber.Ctx, st *requestState, err error) error {
	status, code := statusForError(err)
	h.logResult(st, status, false, 0, err)
	return h.writeError(c, status, code)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrRangeNotSatisfiable):
		return fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable"
	case origin.IsNotFound(err):
		return fiber.StatusNotFound, "upstream_not_found"
	case errors.Is(err, integrity.ErrMismatch):
		return fiber.StatusBadGateway, "integrity_mismatch"
	case errors.Is(err, cache.ErrCacheIO):
		return fiber.StatusInternalServerError, "cache_io_error"
	default:
		return fiber.StatusBadGateway, "upstream_unavailable"
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

// trackBody 包装响应流：读完或客户端断开后 fasthttp 会关闭它，此时写请求日志与指标。
func (h *Handler) trackBody(st *requestState, status int, cacheHit bool, r io.Reader, closeFn func() error) io.ReadCloser {
	if closeFn == nil {
		if rc, ok := r.(io.Closer); ok {
			closeFn = rc.Close
		}
	}
	source := "stream"
	if cacheHit {
		source = "cache"
	}
	return &trackedBody{
		r:       r,
		live:    !cacheHit,
		closeFn: closeFn,
		onClose: func(served int64, err error) {
			h.metrics.ObserveServed(st.key.Namespace, source, served)
			h.logResult(st, status, cacheHit, served, err)
		},
	}
}

type trackedBody struct {
	r       io.Reader
	live    bool
	closeFn func() error
	onClose func(served int64, err error)

	served int64
	err    error
	once   sync.Once
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.served += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		b.err = err
	}
	return n, err
}

// WriteTo 供 fasthttp 输出定长正文。实时拉取的正文每写一块就 Flush，
// 客户端随上游进度收到数据，而不是等缓冲写满。
func (b *trackedBody) WriteTo(w io.Writer) (int64, error) {
	flusher, _ := w.(interface{ Flush() error })
	buf := make([]byte, streamChunkSize)
	var total int64
	for {
		n, err := b.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				b.err = werr
				return total, werr
			}
			if b.live && flusher != nil {
				if ferr := flusher.Flush(); ferr != nil {
					b.err = ferr
					return total, ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

func (b *trackedBody) Close() error {
	var err error
	b.once.Do(func() {
		if b.closeFn != nil {
			err = b.closeFn()
		}
		b.onClose(b.served, b.err)
	})
	return err
}

func (h *Handler) fields(st *requestState) logrus.Fields {
	ns := st.route.Namespace
	domain := ""
	if st.route.Upstream != nil {
		domain = st.route.Upstream.Host
	}
	fields := logging.RequestFields(ns.Name(), domain, ns.Backend.Key, st.key.String(), st.result == "hit")
	if st.requestID != "" {
		fields["request_id"] = st.requestID
	}
	return fields
}

func (h *Handler) logResult(st *requestState, status int, cacheHit bool, served int64, err error) {
	fields := h.fields(st)
	fields["action"] = "proxy"
	fields["method"] = st.method
	fields["cache_hit"] = cacheHit
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(st.started).Milliseconds()
	fields = logging.WithBytes(fields, served)

	result := st.result
	if err != nil && !errors.Is(err, download.ErrSubscriptionClosed) {
		result = "error"
	}
	if result != "" {
		h.metrics.ObserveRequest(st.key.Namespace, result)
	}

	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
