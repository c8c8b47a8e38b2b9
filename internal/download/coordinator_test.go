package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/lfs-cache/internal/cache"
	"github.com/any-hub/lfs-cache/internal/integrity"
	"github.com/any-hub/lfs-cache/internal/origin"
)

type fakeOrigin struct {
	mu       sync.Mutex
	requests []origin.Request
	respond  func(call int, req origin.Request) (*origin.Response, error)
}

func (o *fakeOrigin) Fetch(_ context.Context, req origin.Request) (*origin.Response, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	call := len(o.requests)
	o.mu.Unlock()
	return o.respond(call, req)
}

func (o *fakeOrigin) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func okResponse(body io.Reader, size int64, etag string) *origin.Response {
	header := http.Header{}
	if etag != "" {
		header.Set("ETag", etag)
	}
	return &origin.Response{
		Status: http.StatusOK,
		Size:   size,
		ETag:   etag,
		Header: header,
		Body:   io.NopCloser(body),
	}
}

func newTestCoordinator(t *testing.T, src Origin, opts Options) (*Coordinator, cache.Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := cache.NewStore(root)
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	opts.Logger = logger
	c := NewCoordinator(store, src, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, store, root
}

func testTarget(t *testing.T, p string) Target {
	t.Helper()
	key, err := cache.NewKey("hf", p)
	require.NoError(t, err)
	return Target{Key: key, URL: "https://cdn.example/" + p, VerifyChecksum: true}
}

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func readAll(t *testing.T, sub *Subscription, offset, length int64) []byte {
	t.Helper()
	r := sub.Reader(offset, length)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestConcurrentSubscribersShareOneFetch(t *testing.T) {
	payload := bytes.Repeat([]byte("lfs-object-"), 4096)
	pr, pw := io.Pipe()
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(pr, int64(len(payload)), `"v1"`), nil
	}}
	c, store, _ := newTestCoordinator(t, src, Options{ChunkSize: 4096})
	target := testTarget(t, "model.bin")

	const clients = 8
	subs := make([]*Subscription, clients)
	var g errgroup.Group
	for i := 0; i < clients; i++ {
		i := i
		g.Go(func() error {
			sub, err := c.Subscribe(target)
			subs[i] = sub
			return err
		})
	}
	require.NoError(t, g.Wait())

	go func() {
		_, _ = pw.Write(payload)
		_ = pw.Close()
	}()

	results := make([][]byte, clients)
	for i := range subs {
		i := i
		g.Go(func() error {
			defer subs[i].Close()
			info, err := subs[i].Ready(context.Background())
			if err != nil {
				return err
			}
			if info.Size != int64(len(payload)) {
				return errors.New("size not surfaced")
			}
			data, err := io.ReadAll(subs[i].Reader(0, -1))
			results[i] = data
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, src.calls())
	for _, data := range results {
		assert.Equal(t, payload, data)
	}

	entry, err := store.Lookup(context.Background(), target.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), entry.SizeBytes)
	assert.Equal(t, sum(payload), entry.SHA256)
	assert.Equal(t, `"v1"`, entry.ETag)
	assert.NoError(t, integrity.VerifyFile(entry.FilePath, entry.SHA256))
}

func TestSubscriberReadsPublishedPrefixThenTail(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	pr, pw := io.Pipe()
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(pr, int64(len(payload)), ""), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{})

	sub, err := c.Subscribe(testTarget(t, "partial.bin"))
	require.NoError(t, err)
	defer sub.Close()

	_, err = pw.Write(payload[:200])
	require.NoError(t, err)

	_, err = sub.Ready(context.Background())
	require.NoError(t, err)
	r := sub.Reader(0, -1)
	head := make([]byte, 200)
	_, err = io.ReadFull(r, head)
	require.NoError(t, err)
	assert.Equal(t, payload[:200], head)

	go func() {
		_, _ = pw.Write(payload[200:])
		_ = pw.Close()
	}()
	tail, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload[200:], tail)

	// 提交后加入的读者看到完全相同的字节。
	entry, err := sub.Wait(context.Background())
	require.NoError(t, err)
	after, err := c.Subscribe(testTarget(t, "partial.bin"))
	require.NoError(t, err)
	defer after.Close()
	info, err := after.Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, info.FromCache)
	assert.Equal(t, payload, readAll(t, after, 0, -1))
	assert.Equal(t, sum(payload), entry.SHA256)
	assert.Equal(t, 1, src.calls())
}

func TestRangeReaderWaitsForTail(t *testing.T) {
	payload := []byte(strings.Repeat("0123456789", 200))
	pr, pw := io.Pipe()
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(pr, int64(len(payload)), ""), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{})

	sub, err := c.Subscribe(testTarget(t, "range.bin"))
	require.NoError(t, err)
	defer sub.Close()

	go func() {
		_, _ = pw.Write(payload[:600])
		time.Sleep(20 * time.Millisecond)
		_, _ = pw.Write(payload[600:])
		_ = pw.Close()
	}()

	_, err = sub.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload[500:1000], readAll(t, sub, 500, 500))
}

func TestUpstreamErrorFansOutAndRetrySucceeds(t *testing.T) {
	payload := []byte("hello")
	gate := make(chan struct{})
	src := &fakeOrigin{respond: func(call int, req origin.Request) (*origin.Response, error) {
		if call == 1 {
			<-gate
			return nil, &origin.UpstreamError{URL: req.URL, Status: http.StatusServiceUnavailable}
		}
		return okResponse(bytes.NewReader(payload), int64(len(payload)), ""), nil
	}}
	c, store, _ := newTestCoordinator(t, src, Options{})
	target := testTarget(t, "flaky.bin")

	first, err := c.Subscribe(target)
	require.NoError(t, err)
	second, err := c.Subscribe(target)
	require.NoError(t, err)
	assert.False(t, first.Joined())
	assert.True(t, second.Joined())
	close(gate)

	for _, sub := range []*Subscription{first, second} {
		_, err := sub.Ready(context.Background())
		assert.ErrorIs(t, err, origin.ErrUpstreamUnavailable)
		sub.Close()
	}
	_, err = store.Lookup(context.Background(), target.Key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	require.Eventually(t, func() bool {
		return c.State(target.Key) == cache.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	retry, err := c.Subscribe(target)
	require.NoError(t, err)
	defer retry.Close()
	_, err = retry.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls())
	assert.Equal(t, cache.StateCached, c.State(target.Key))
}

func TestMidStreamFailureDiscardsTemp(t *testing.T) {
	body := io.MultiReader(bytes.NewReader(make([]byte, 500)), failingReader{err: errors.New("connection reset")})
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(body, 1000, `"strong"`), nil
	}}
	c, store, root := newTestCoordinator(t, src, Options{})
	target := testTarget(t, "broken.bin")

	sub, err := c.Subscribe(target)
	require.NoError(t, err)
	_, err = sub.Ready(context.Background())
	if err == nil {
		_, err = io.ReadAll(sub.Reader(0, -1))
	}
	assert.ErrorIs(t, err, origin.ErrUpstreamUnavailable)
	sub.Close()

	_, err = store.Lookup(context.Background(), target.Key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assertNoTemps(t, root)

	var status Status
	require.Eventually(t, func() bool {
		status = c.Snapshot()
		return len(status.Recent) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, cache.StateFailed, status.Recent[0].State)
	assert.Equal(t, reasonUpstream, status.Recent[0].Reason)
}

func TestTruncatedBodyFails(t *testing.T) {
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(strings.NewReader("short"), 100, ""), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{})

	sub, err := c.Subscribe(testTarget(t, "short.bin"))
	require.NoError(t, err)
	defer sub.Close()
	_, err = sub.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTruncated)
	assert.ErrorIs(t, err, origin.ErrUpstreamUnavailable)
}

func TestIntegrityMismatchIsNotCommitted(t *testing.T) {
	wrong := strings.Repeat("0", 64)
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(strings.NewReader("hello"), 5, `"`+wrong+`"`), nil
	}}
	c, store, root := newTestCoordinator(t, src, Options{})
	target := testTarget(t, "tampered.bin")

	sub, err := c.Subscribe(target)
	require.NoError(t, err)
	_, err = sub.Wait(context.Background())
	assert.ErrorIs(t, err, integrity.ErrMismatch)
	sub.Close()

	_, err = store.Lookup(context.Background(), target.Key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assertNoTemps(t, root)

	// 关闭校验后同样的内容可以提交。
	target.VerifyChecksum = false
	sub, err = c.Subscribe(target)
	require.NoError(t, err)
	defer sub.Close()
	_, err = sub.Wait(context.Background())
	assert.NoError(t, err)
}

func TestReaderSurfacesIntegrityMismatch(t *testing.T) {
	wrong := strings.Repeat("0", 64)
	pr, pw := io.Pipe()
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(pr, 5, `"`+wrong+`"`), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{})

	sub, err := c.Subscribe(testTarget(t, "tampered-stream.bin"))
	require.NoError(t, err)
	defer sub.Close()
	info, err := sub.Ready(context.Background())
	require.NoError(t, err)

	go func() {
		_, _ = pw.Write([]byte("hello"))
		_ = pw.Close()
	}()
	data, err := io.ReadAll(sub.Reader(0, info.Size))
	assert.ErrorIs(t, err, integrity.ErrMismatch)
	// 最后一个字节在校验完成前不会交出。
	assert.Less(t, len(data), 5)
}

func TestResumeAfterMidStreamFailure(t *testing.T) {
	payload := []byte("0123456789")
	src := &fakeOrigin{respond: func(call int, req origin.Request) (*origin.Response, error) {
		if call == 1 {
			resp := okResponse(io.MultiReader(bytes.NewReader(payload[:4]), failingReader{err: errors.New("reset")}), 10, `"strong"`)
			resp.AcceptRanges = true
			return resp, nil
		}
		if req.Offset != 4 || req.IfRange != `"strong"` {
			return nil, errors.New("expected resume request")
		}
		resp := okResponse(bytes.NewReader(payload[4:]), 10, `"strong"`)
		resp.Status = http.StatusPartialContent
		resp.Offset = 4
		resp.AcceptRanges = true
		return resp, nil
	}}
	c, store, _ := newTestCoordinator(t, src, Options{ResumePartial: true})
	target := testTarget(t, "resume.bin")

	sub, err := c.Subscribe(target)
	require.NoError(t, err)
	_, err = sub.Wait(context.Background())
	require.ErrorIs(t, err, origin.ErrUpstreamUnavailable)
	sub.Close()

	sub, err = c.Subscribe(target)
	require.NoError(t, err)
	defer sub.Close()
	entry, err := sub.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sum(payload), entry.SHA256)
	assert.Equal(t, payload, readAll(t, sub, 0, -1))

	_, err = store.Lookup(context.Background(), target.Key)
	assert.NoError(t, err)
	assert.Equal(t, 2, src.calls())
}

func TestWeakTagDisablesResume(t *testing.T) {
	src := &fakeOrigin{respond: func(call int, req origin.Request) (*origin.Response, error) {
		if call == 1 {
			resp := okResponse(io.MultiReader(strings.NewReader("0123"), failingReader{err: errors.New("reset")}), 10, `W/"weak"`)
			resp.AcceptRanges = true
			return resp, nil
		}
		if req.Offset != 0 {
			return nil, errors.New("weak tags must restart from zero")
		}
		return okResponse(strings.NewReader("0123456789"), 10, `W/"weak"`), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{ResumePartial: true})
	target := testTarget(t, "weak.bin")

	sub, err := c.Subscribe(target)
	require.NoError(t, err)
	_, err = sub.Wait(context.Background())
	require.Error(t, err)
	sub.Close()

	sub, err = c.Subscribe(target)
	require.NoError(t, err)
	defer sub.Close()
	_, err = sub.Wait(context.Background())
	assert.NoError(t, err)
}

func TestSubscriberLeavingDoesNotCancelFetch(t *testing.T) {
	pr, pw := io.Pipe()
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(pr, 5, ""), nil
	}}
	c, store, _ := newTestCoordinator(t, src, Options{})
	target := testTarget(t, "orphan.bin")

	sub, err := c.Subscribe(target)
	require.NoError(t, err)
	_, err = pw.Write([]byte("he"))
	require.NoError(t, err)
	_, err = sub.Ready(context.Background())
	require.NoError(t, err)

	r := sub.Reader(0, -1)
	require.NoError(t, r.Close())
	_, err = r.Read(make([]byte, 10))
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	_, _ = pw.Write([]byte("llo"))
	_ = pw.Close()

	require.Eventually(t, func() bool {
		_, err := store.Lookup(context.Background(), target.Key)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCommittedEntryServedWithoutUpstream(t *testing.T) {
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(strings.NewReader("hello"), 5, `"v1"`), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{})
	target := testTarget(t, "warm.bin")

	sub, err := c.Subscribe(target)
	require.NoError(t, err)
	_, err = sub.Wait(context.Background())
	require.NoError(t, err)
	sub.Close()

	target.AssertedTag = `"v1"`
	again, err := c.Subscribe(target)
	require.NoError(t, err)
	defer again.Close()
	info, err := again.Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, info.FromCache)
	assert.Equal(t, "hello", string(readAll(t, again, 0, -1)))
	assert.Equal(t, 1, src.calls())

	// 断言的标签不同则重新拉取一次。
	target.AssertedTag = `"v2"`
	stale, err := c.Subscribe(target)
	require.NoError(t, err)
	defer stale.Close()
	_, err = stale.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls())
}

func TestAssertedTagQueuesBehindMismatchedFlight(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeOrigin{respond: func(call int, _ origin.Request) (*origin.Response, error) {
		if call == 1 {
			pr, pw := io.Pipe()
			go func() {
				<-gate
				_, _ = pw.Write([]byte("hello"))
				_ = pw.Close()
			}()
			return okResponse(pr, 5, `"v1"`), nil
		}
		return okResponse(strings.NewReader("world"), 5, `"v2"`), nil
	}}
	c, store, _ := newTestCoordinator(t, src, Options{})
	target := testTarget(t, "moving.bin")

	first, err := c.Subscribe(target)
	require.NoError(t, err)
	defer first.Close()
	info, err := first.Ready(context.Background())
	require.NoError(t, err)
	require.Equal(t, `"v1"`, info.ETag)

	asserted := target
	asserted.AssertedTag = `"v2"`
	second, err := c.Subscribe(asserted)
	require.NoError(t, err)
	defer second.Close()
	assert.False(t, second.Joined())

	close(gate)
	info, err = second.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, info.ETag)
	assert.Equal(t, "world", string(readAll(t, second, 0, -1)))
	assert.Equal(t, "hello", string(readAll(t, first, 0, -1)))
	assert.Equal(t, 2, src.calls())

	entry, err := store.Lookup(context.Background(), target.Key)
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, entry.ETag)
}

func TestProvisionalJoinMovesToMatchingFetch(t *testing.T) {
	gate := make(chan struct{})
	src := &fakeOrigin{respond: func(call int, _ origin.Request) (*origin.Response, error) {
		if call == 1 {
			<-gate
			return okResponse(strings.NewReader("hello"), 5, `"v1"`), nil
		}
		return okResponse(strings.NewReader("world"), 5, `"v2"`), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{})
	target := testTarget(t, "pending.bin")

	first, err := c.Subscribe(target)
	require.NoError(t, err)
	defer first.Close()

	asserted := target
	asserted.AssertedTag = `"v2"`
	second, err := c.Subscribe(asserted)
	require.NoError(t, err)
	defer second.Close()
	// 上游响应头未到，标签未知时先暂时加入。
	assert.True(t, second.Joined())

	third, err := c.Subscribe(target)
	require.NoError(t, err)
	defer third.Close()
	assert.True(t, third.Joined())

	close(gate)
	info, err := second.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, info.ETag)
	assert.False(t, second.Joined())
	assert.Equal(t, "world", string(readAll(t, second, 0, -1)))

	_, err = third.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(readAll(t, third, 0, -1)))
	assert.Equal(t, 2, src.calls())
}

func TestUnassertedRequestJoinsAnyFlight(t *testing.T) {
	pr, pw := io.Pipe()
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(pr, 5, `"v1"`), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{})
	target := testTarget(t, "shared.bin")
	target.AssertedTag = `"v1"`

	first, err := c.Subscribe(target)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Ready(context.Background())
	require.NoError(t, err)

	plain := target
	plain.AssertedTag = ""
	second, err := c.Subscribe(plain)
	require.NoError(t, err)
	defer second.Close()
	assert.True(t, second.Joined())

	go func() {
		_, _ = pw.Write([]byte("hello"))
		_ = pw.Close()
	}()
	assert.Equal(t, "hello", string(readAll(t, second, 0, -1)))
	assert.Equal(t, 1, src.calls())
}

func TestShutdownRejectsNewSubscriptions(t *testing.T) {
	src := &fakeOrigin{respond: func(int, origin.Request) (*origin.Response, error) {
		return okResponse(strings.NewReader("x"), 1, ""), nil
	}}
	c, _, _ := newTestCoordinator(t, src, Options{})
	require.NoError(t, c.Shutdown(context.Background()))
	_, err := c.Subscribe(testTarget(t, "late.bin"))
	assert.Error(t, err)
}

// 临时文件在最后一份引用释放后才删除，拉取协程可能稍晚于订阅者退出。
func assertNoTemps(t *testing.T, root string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(incompleteFiles(t, root)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func incompleteFiles(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(p, ".incomplete") {
			found = append(found, p)
		}
		return nil
	})
	return found
}
