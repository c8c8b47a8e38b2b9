package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/any-hub/lfs-cache/internal/config"
)

// ErrRedirectLimit 表示重定向目标再次重定向。CDN 签名地址最多跳一次。
var ErrRedirectLimit = errors.New("upstream redirected more than once")

// maxRedirects 为允许跟随的重定向次数。
const maxRedirects = 1

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有上游请求。大对象需要长时间流式读取，
// 因此不设置整体 Timeout，仅限制等待响应头的时间；读取空闲超时由 origin 包负责。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	transport := defaultTransport.Clone()
	transport.ResponseHeaderTimeout = timeout
	// 摘要按原始字节计算，禁止透明解压。
	transport.DisableCompression = true

	return &http.Client{
		Transport:     transport,
		CheckRedirect: limitRedirects,
	}
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) > maxRedirects {
		return ErrRedirectLimit
	}
	return nil
}
