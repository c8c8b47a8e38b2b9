package download

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/integrity"
	"github.com/any-hub/lfs-cache/internal/logging"
	"github.com/any-hub/lfs-cache/internal/origin"
)

// Outcome 记录一次已结束拉取的结果，供 /-/fetches 诊断端展示。
type Outcome struct {
	Key        string      `json:"key"`
	URL        string      `json:"url"`
	State      cache.State `json:"state"`
	Reason     string      `json:"reason,omitempty"`
	Error      string      `json:"error,omitempty"`
	Bytes      int64       `json:"bytes"`
	SHA256     string      `json:"sha256,omitempty"`
	FromCache  bool        `json:"from_cache,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Progress 描述一个进行中的拉取。
type Progress struct {
	Key         string      `json:"key"`
	URL         string      `json:"url"`
	State       cache.State `json:"state"`
	Written     int64       `json:"written"`
	Size        int64       `json:"size"`
	Subscribers int32       `json:"subscribers"`
	StartedAt   time.Time   `json:"started_at"`
}

// Status 汇总进行中与最近结束的拉取。
type Status struct {
	InFlight []Progress `json:"in_flight"`
	Recent   []Outcome  `json:"recent"`
}

// 失败原因分类，同时用作指标标签。
const (
	reasonUpstream  = "upstream_error"
	reasonIntegrity = "integrity_mismatch"
	reasonCacheIO   = "cache_io"
	reasonCanceled  = "canceled"
	reasonOther     = "error"
)

func classify(err error) string {
	switch {
	case err == nil:
		return string(cache.StateCached)
	case errors.Is(err, integrity.ErrMismatch):
		return reasonIntegrity
	case errors.Is(err, cache.ErrCacheIO):
		return reasonCacheIO
	case errors.Is(err, origin.ErrUpstreamUnavailable):
		return reasonUpstream
	case errors.Is(err, context.Canceled):
		return reasonCanceled
	default:
		return reasonOther
	}
}

// record 在 Flight 结束后写日志、指标与最近结果。
func (c *Coordinator) record(f *Flight) {
	finished := time.Now()
	written := f.written.Load()
	out := Outcome{
		Key:        f.key.String(),
		URL:        f.target.URL,
		State:      f.State(),
		Bytes:      written,
		FromCache:  f.info.FromCache,
		StartedAt:  f.started,
		FinishedAt: finished,
	}
	reason := classify(f.err)
	if f.entry != nil {
		out.SHA256 = f.entry.SHA256
	}

	fields := logging.WithBytes(logging.FetchFields(out.Key, out.URL, string(out.State)), written)
	fields["elapsed_ms"] = finished.Sub(f.started).Milliseconds()
	fields["from_cache"] = out.FromCache
	if f.err != nil {
		out.Reason = reason
		out.Error = f.err.Error()
		fields["reason"] = reason
		fields["error"] = out.Error
		c.logger.WithFields(fields).Warn("fetch_failed")
	} else {
		fields["sha256"] = out.SHA256
		c.logger.WithFields(fields).Info("fetch_committed")
	}

	received := written
	if out.FromCache {
		received = 0
	}
	c.opts.Metrics.FetchFinished(f.key.Namespace, reason, received, finished.Sub(f.started))
	c.outcomes.Set(out.Key, out, ttlcache.DefaultTTL)
}

// Snapshot 返回进行中拉取与保留期内的结束记录，均按键排序。
func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	flights := make([]*Flight, 0, len(c.flights))
	for _, f := range c.flights {
		flights = append(flights, f)
	}
	c.mu.Unlock()

	status := Status{InFlight: make([]Progress, 0, len(flights)), Recent: []Outcome{}}
	for _, f := range flights {
		size := int64(-1)
		select {
		case <-f.ready:
			size = f.info.Size
		default:
		}
		status.InFlight = append(status.InFlight, Progress{
			Key:         f.key.String(),
			URL:         f.target.URL,
			State:       f.State(),
			Written:     f.written.Load(),
			Size:        size,
			Subscribers: f.subscribers.Load(),
			StartedAt:   f.started,
		})
	}
	for _, item := range c.outcomes.Items() {
		status.Recent = append(status.Recent, item.Value())
	}
	sort.Slice(status.InFlight, func(i, j int) bool { return status.InFlight[i].Key < status.InFlight[j].Key })
	sort.Slice(status.Recent, func(i, j int) bool { return status.Recent[i].Key < status.Recent[j].Key })
	return status
}

// State 返回键的当前生命周期阶段：进行中取 Flight 状态，否则查询缓存，
// 最近一次失败则为 failed，其余为 absent。
func (c *Coordinator) State(key cache.Key) cache.State {
	c.mu.Lock()
	f, ok := c.flights[key]
	c.mu.Unlock()
	if ok {
		return f.State()
	}
	if _, err := c.store.Lookup(c.ctx, key); err == nil {
		return cache.StateCached
	}
	if item := c.outcomes.Get(key.String()); item != nil && item.Value().State == cache.StateFailed {
		return cache.StateFailed
	}
	return cache.StateAbsent
}
