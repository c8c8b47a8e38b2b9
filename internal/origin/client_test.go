package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSurfacesHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), Options{ReadTimeout: time.Second})
	resp, err := client.Fetch(context.Background(), Request{URL: srv.URL + "/obj"})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int64(5), resp.Size)
	assert.Equal(t, `"abc"`, resp.ETag)
	assert.True(t, resp.AcceptRanges)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestFetchNon2xxIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), Options{})
	_, err := client.Fetch(context.Background(), Request{URL: srv.URL + "/busy"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.False(t, IsNotFound(err))

	var upstreamErr *UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusServiceUnavailable, upstreamErr.Status)

	_, err = client.Fetch(context.Background(), Request{URL: srv.URL + "/missing"})
	assert.True(t, IsNotFound(err))
}

func TestFetchConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(nil, Options{}).Fetch(context.Background(), Request{URL: addr + "/x"})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestFetchResumeSendsRange(t *testing.T) {
	payload := "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=4-", r.Header.Get("Range"))
		assert.Equal(t, `"v1"`, r.Header.Get("If-Range"))
		w.Header().Set("Content-Range", "bytes 4-9/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(payload[4:]))
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), Options{})
	resp, err := client.Fetch(context.Background(), Request{URL: srv.URL, Offset: 4, IfRange: `"v1"`})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, int64(4), resp.Offset)
	assert.Equal(t, int64(10), resp.Size)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, payload[4:], string(body))
}

func TestFetchRejectsMisalignedPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.Client(), Options{}).Fetch(context.Background(), Request{URL: srv.URL, Offset: 4})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestFetchIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		_, _ = w.Write([]byte("01234"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(srv.Client(), Options{ReadTimeout: 100 * time.Millisecond})
	resp, err := client.Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestClientForProxyReusesTransport(t *testing.T) {
	client := NewClient(&http.Client{Transport: &http.Transport{}}, Options{})
	a, err := client.clientFor("http://127.0.0.1:3128")
	require.NoError(t, err)
	b, err := client.clientFor("http://127.0.0.1:3128")
	require.NoError(t, err)
	assert.Same(t, a, b)

	direct, err := client.clientFor("")
	require.NoError(t, err)
	assert.Same(t, client.base, direct)
}

func TestParseContentRange(t *testing.T) {
	start, total, ok := parseContentRange("bytes 100-199/2000")
	assert.True(t, ok)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(2000), total)

	_, total, ok = parseContentRange("bytes 0-9/*")
	assert.True(t, ok)
	assert.Equal(t, int64(-1), total)

	_, _, ok = parseContentRange("items 0-1/2")
	assert.False(t, ok)
}
