package util

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/rehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientPool(t *testing.T) {
	t.Run("RetryableClientWrapsTransport", func(t *testing.T) {
		client := GetDefaultHTTPRetryableClient()
		_, ok := client.Transport.(*rehttp.Transport)
		assert.True(t, ok)

		PutHTTPClient(client)
		_, ok = client.Transport.(*http.Transport)
		assert.True(t, ok, "returning the client should unwrap the retry transport")
	})
	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		conf := NewDefaultHTTPRetryConf()
		conf.BaseDelay = time.Millisecond
		conf.MaxDelay = 5 * time.Millisecond
		client := GetHTTPRetryableClient(conf)
		defer PutHTTPClient(client)

		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})
	t.Run("DoesNotRetryConflicts", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusConflict)
		}))
		defer srv.Close()

		client := GetDefaultHTTPRetryableClient()
		defer PutHTTPClient(client)

		resp, err := client.Post(srv.URL, "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})
	t.Run("ExcludedRequestsAreNotRetried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		conf := NewDefaultHTTPRetryConf()
		conf.BaseDelay = time.Millisecond
		conf.MaxDelay = 5 * time.Millisecond
		conf.MaxRetries = 3
		conf.ExcludeRequest = func(r *http.Request) bool { return r.URL.Path == "/once" }
		client := GetHTTPRetryableClient(conf)
		defer PutHTTPClient(client)

		resp, err := client.Post(srv.URL+"/once", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

		resp, err = client.Post(srv.URL+"/again", "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.EqualValues(t, 5, atomic.LoadInt32(&calls), "other requests keep the retry policy")
	})
}
