package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options 控制上游拉取行为。
type Options struct {
	// ReadTimeout 为单次读取的空闲超时。
	ReadTimeout time.Duration
	UserAgent   string
}

// Request 描述一次上游拉取。Offset > 0 时以 Range 请求续传，IfRange 保证对象未变。
type Request struct {
	URL     string
	Proxy   string
	Offset  int64
	IfRange string
	Header  http.Header
}

// Response 汇总上游响应中协调器关心的字段。
type Response struct {
	Status int
	// Offset 为 Body 第一个字节在对象中的位置；续传被拒绝时为 0。
	Offset int64
	// Size 为对象总长度，未知时为 -1。
	Size         int64
	ETag         string
	AcceptRanges bool
	Header       http.Header
	URL          string
	Body         io.ReadCloser
}

// Client 复用 server.NewUpstreamClient 构建的 http.Client，按出站代理缓存派生实例。
type Client struct {
	base *http.Client
	opts Options

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// NewClient 构造上游拉取器。
func NewClient(base *http.Client, opts Options) *Client {
	if base == nil {
		base = http.DefaultClient
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = time.Minute
	}
	return &Client{
		base:    base,
		opts:    opts,
		proxied: make(map[string]*http.Client),
	}
}

// Fetch 发起 GET 并在收到响应头后返回；非 2xx 响应转换为 *UpstreamError。
// 返回的 Body 生命周期独立于 ctx 之外的调用方，由调用方负责 Close。
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	client, err := c.clientFor(req.Proxy)
	if err != nil {
		return nil, &UpstreamError{URL: req.URL, Err: err}
	}

	fetchCtx, cancel := context.WithCancelCause(ctx)
	httpReq, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		cancel(nil)
		return nil, &UpstreamError{URL: req.URL, Err: err}
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if c.opts.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	}
	httpReq.Header.Set("Accept-Encoding", "identity")
	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))
		if req.IfRange != "" {
			httpReq.Header.Set("If-Range", req.IfRange)
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel(nil)
		return nil, &UpstreamError{URL: req.URL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel(nil)
		return nil, &UpstreamError{URL: req.URL, Status: resp.StatusCode}
	}

	out := &Response{
		Status:       resp.StatusCode,
		Size:         -1,
		ETag:         resp.Header.Get("ETag"),
		AcceptRanges: strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes"),
		Header:       resp.Header,
		URL:          resp.Request.URL.String(),
	}

	if resp.StatusCode == http.StatusPartialContent {
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != req.Offset {
			resp.Body.Close()
			cancel(nil)
			return nil, &UpstreamError{URL: req.URL, Status: resp.StatusCode,
				Err: fmt.Errorf("unexpected content-range %q", resp.Header.Get("Content-Range"))}
		}
		out.Offset = start
		out.Size = total
		out.AcceptRanges = true
	} else if resp.ContentLength >= 0 {
		out.Size = resp.ContentLength
	}

	out.Body = newIdleTimeoutBody(fetchCtx, cancel, resp.Body, c.opts.ReadTimeout, req.URL)
	return out, nil
}

// clientFor 返回走指定出站代理的 http.Client，同一代理复用一个 Transport。
func (c *Client) clientFor(proxy string) (*http.Client, error) {
	proxy = strings.TrimSpace(proxy)
	if proxy == "" {
		return c.base, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.proxied[proxy]; ok {
		return client, nil
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", proxy, err)
	}
	transport := &http.Transport{}
	if base, ok := c.base.Transport.(*http.Transport); ok && base != nil {
		transport = base.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	client := *c.base
	client.Transport = transport
	c.proxied[proxy] = &client
	return &client, nil
}

// parseContentRange 解析 "bytes start-end/total"，total 为 * 时返回 -1。
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	value := strings.TrimPrefix(v, "bytes ")
	rangePart, totalPart, found := strings.Cut(value, "/")
	if !found {
		return 0, 0, false
	}
	startPart, _, found := strings.Cut(rangePart, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startPart), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	if strings.TrimSpace(totalPart) == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(strings.TrimSpace(totalPart), 10, 64)
	if err != nil || total < 0 {
		return 0, 0, false
	}
	return start, total, true
}
