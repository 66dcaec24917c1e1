package client

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
)

// tokenServer accepts only the current token and echoes request bodies.
type tokenServer struct {
	mu    sync.Mutex
	valid string
	hits  int32
}

func (s *tokenServer) setValid(tok string) {
	s.mu.Lock()
	s.valid = tok
	s.mu.Unlock()
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.hits, 1)
	s.mu.Lock()
	valid := s.valid
	s.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, _ := io.ReadAll(r.Body)
	_, _ = w.Write(append([]byte("ok:"), body...))
}

func TestTransport_PassesThroughWithValidToken(t *testing.T) {
	srv := &tokenServer{valid: "a1"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	refresh := func(context.Context, string) (auth.Pair, error) {
		t.Fatal("refresh must not be called")
		return auth.Pair{}, nil
	}
	hc := &http.Client{Transport: NewTransport(nil, auth.Pair{AccessToken: "a1", RefreshToken: "r1"}, refresh)}

	resp, err := hc.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransport_RefreshesOnceAndReplays(t *testing.T) {
	srv := &tokenServer{valid: "a2"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var calls int32
	release := make(chan struct{})
	refresh := func(_ context.Context, rt string) (auth.Pair, error) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "r1", rt)
		<-release
		return auth.Pair{AccessToken: "a2", RefreshToken: "r2"}, nil
	}
	tr := NewTransport(nil, auth.Pair{AccessToken: "a1", RefreshToken: "r1"}, refresh)
	hc := &http.Client{Transport: tr}

	const n = 8
	var wg sync.WaitGroup
	bodies := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := hc.Post(ts.URL, "text/plain", strings.NewReader("payload"))
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			bodies[i] = string(b)
		}(i)
	}
	// let every request hit the 401 before the refresh finishes
	require.Eventually(t, func() bool { return atomic.LoadInt32(&srv.hits) >= n }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ok:payload", bodies[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "a2", tr.AccessToken())
}

func TestTransport_StaleCallerReusesNewToken(t *testing.T) {
	var calls int32
	tr := NewTransport(nil, auth.Pair{AccessToken: "a1", RefreshToken: "r1"}, func(context.Context, string) (auth.Pair, error) {
		atomic.AddInt32(&calls, 1)
		return auth.Pair{AccessToken: "a2"}, nil
	})

	tok, err := tr.Renew(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok)

	// a caller that was rejected with a1 after the refresh finished
	tok, err = tr.Renew(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTransport_RefreshFailureEndsSession(t *testing.T) {
	srv := &tokenServer{valid: "never"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	var ended int32
	tr := NewTransport(nil, auth.Pair{AccessToken: "a1", RefreshToken: "r1"}, func(context.Context, string) (auth.Pair, error) {
		return auth.Pair{}, stderrors.New("refresh token revoked")
	})
	tr.OnSessionEnded = func() { atomic.AddInt32(&ended, 1) }
	hc := &http.Client{Transport: tr}

	_, err := hc.Get(ts.URL)
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.True(t, tr.Ended())

	hitsBefore := atomic.LoadInt32(&srv.hits)
	_, err = hc.Get(ts.URL)
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.Equal(t, hitsBefore, atomic.LoadInt32(&srv.hits), "no request after the session ended")
	assert.Equal(t, int32(1), atomic.LoadInt32(&ended))
}

func TestTransport_CancelledCallerDoesNotEndSession(t *testing.T) {
	srv := &tokenServer{valid: "a2"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var ended int32
	tr := NewTransport(nil, auth.Pair{AccessToken: "a1", RefreshToken: "r1"}, func(ctx context.Context, _ string) (auth.Pair, error) {
		close(started)
		select {
		case <-ctx.Done():
			return auth.Pair{}, ctx.Err()
		case <-release:
			return auth.Pair{AccessToken: "a2", RefreshToken: "r2"}, nil
		}
	})
	tr.OnSessionEnded = func() { atomic.AddInt32(&ended, 1) }
	hc := &http.Client{Transport: tr}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		resp, err := hc.Do(req)
		if resp != nil {
			resp.Body.Close()
		}
		done <- err
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting for the refresh")
	}
	close(release)

	require.Eventually(t, func() bool { return tr.AccessToken() == "a2" }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, tr.Ended())
	assert.Equal(t, int32(0), atomic.LoadInt32(&ended))

	resp, err := hc.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransport_RefreshTimeoutKeepsSession(t *testing.T) {
	tr := NewTransport(nil, auth.Pair{AccessToken: "a1", RefreshToken: "r1"}, func(ctx context.Context, _ string) (auth.Pair, error) {
		<-ctx.Done()
		return auth.Pair{}, ctx.Err()
	})
	tr.RenewTimeout = 20 * time.Millisecond

	_, err := tr.Renew(context.Background(), "a1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrSessionEnded)
	assert.False(t, tr.Ended())
	assert.Equal(t, "a1", tr.AccessToken())
}

func TestTransport_SecondUnauthorizedIsReturned(t *testing.T) {
	srv := &tokenServer{valid: "other"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tr := NewTransport(nil, auth.Pair{AccessToken: "a1", RefreshToken: "r1"}, func(context.Context, string) (auth.Pair, error) {
		return auth.Pair{AccessToken: "a2"}, nil
	})
	resp, err := (&http.Client{Transport: tr}).Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.hits))
}

func TestHTTPRefresher(t *testing.T) {
	m := auth.NewManager("secret", "approvals", time.Minute, time.Hour)
	pair, err := m.Issue("42")
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/token/refresh", r.URL.Path)
		if !strings.Contains(mustRead(r.Body), pair.RefreshToken) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh"}`))
	}))
	defer ts.Close()

	refresh := HTTPRefresher(ts.URL+"/", ts.Client())
	got, err := refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)

	_, err = refresh(context.Background(), "bogus")
	assert.Error(t, err)
	_, err = refresh(context.Background(), "")
	assert.Error(t, err)
}

func mustRead(r io.Reader) string {
	b, _ := io.ReadAll(r)
	return string(b)
}
