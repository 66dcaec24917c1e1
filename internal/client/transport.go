package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pesio-ai/be-plt-approvals/internal/auth"
)

// ErrSessionEnded is returned once credentials can no longer be renewed.
// The caller has to log in again.
var ErrSessionEnded = errors.New("session ended: credentials could not be renewed")

const defaultRenewTimeout = 30 * time.Second

// RefreshFunc exchanges a refresh token for a new pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (auth.Pair, error)

// Transport is an http.RoundTripper that attaches the access token and, on a
// 401, renews it once and replays the request. Concurrent 401s share one
// renewal.
type Transport struct {
	// Base defaults to http.DefaultTransport.
	Base http.RoundTripper
	// OnSessionEnded runs once when renewal fails.
	OnSessionEnded func()
	// RenewTimeout bounds one refresh call. Defaults to 30s.
	RenewTimeout time.Duration

	renewWith RefreshFunc
	group     singleflight.Group

	mu           sync.RWMutex
	access       string
	refreshToken string
	ended        bool
}

// NewTransport starts a session with pair.
func NewTransport(base http.RoundTripper, pair auth.Pair, refresh RefreshFunc) *Transport {
	return &Transport{
		Base:         base,
		refreshToken: pair.RefreshToken,
		access:       pair.AccessToken,
		renewWith:    refresh,
	}
}

// AccessToken returns the current access token.
func (t *Transport) AccessToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.access
}

// Ended reports whether the session is over.
func (t *Transport) Ended() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ended
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper. A request with a body is replayed
// only when it has GetBody, as requests built by http.NewRequest do.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Ended() {
		return nil, ErrSessionEnded
	}

	token := t.AccessToken()
	resp, err := t.send(req, token, req.Body)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	fresh, err := t.Renew(req.Context(), token)
	if err != nil {
		return nil, err
	}

	var body io.ReadCloser
	if req.GetBody != nil {
		if body, err = req.GetBody(); err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
	}
	return t.send(req, fresh, body)
}

func (t *Transport) send(req *http.Request, token string, body io.ReadCloser) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Body = body
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base().RoundTrip(out)
}

// Renew returns a fresh access token. stale is the token the caller was
// rejected with; when another caller already replaced it, the current token
// is returned without a refresh call. The refresh itself is detached from
// ctx: a caller that gives up gets ctx.Err() while the shared refresh keeps
// running for everyone else.
func (t *Transport) Renew(ctx context.Context, stale string) (string, error) {
	ch := t.group.DoChan("refresh", func() (interface{}, error) {
		return t.renew(context.WithoutCancel(ctx), stale)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (t *Transport) renew(ctx context.Context, stale string) (string, error) {
	t.mu.RLock()
	current, refresh, ended := t.access, t.refreshToken, t.ended
	t.mu.RUnlock()

	if ended {
		return "", ErrSessionEnded
	}
	if current != stale {
		return current, nil
	}

	timeout := t.RenewTimeout
	if timeout <= 0 {
		timeout = defaultRenewTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pair, err := t.renewWith(ctx, refresh)
	if err != nil {
		// timeouts and cancellation are not credential failures
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("refresh credentials: %w", err)
		}
		t.end()
		return "", fmt.Errorf("%w: %v", ErrSessionEnded, err)
	}

	t.mu.Lock()
	t.access = pair.AccessToken
	if pair.RefreshToken != "" {
		t.refreshToken = pair.RefreshToken
	}
	t.mu.Unlock()
	return pair.AccessToken, nil
}

func (t *Transport) end() {
	t.mu.Lock()
	already := t.ended
	t.ended = true
	t.access, t.refreshToken = "", ""
	t.mu.Unlock()
	if !already && t.OnSessionEnded != nil {
		t.OnSessionEnded()
	}
}

// HTTPRefresher calls POST <baseURL>/api/v1/auth/token/refresh. hc must not
// use a Transport, or renewal would recurse.
func HTTPRefresher(baseURL string, hc *http.Client) RefreshFunc {
	if hc == nil {
		hc = http.DefaultClient
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/auth/token/refresh"
	return func(ctx context.Context, refreshToken string) (auth.Pair, error) {
		if refreshToken == "" {
			return auth.Pair{}, errors.New("no refresh token")
		}
		body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
		if err != nil {
			return auth.Pair{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return auth.Pair{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := hc.Do(req)
		if err != nil {
			return auth.Pair{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return auth.Pair{}, fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
		}

		var pair auth.Pair
		if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
			return auth.Pair{}, fmt.Errorf("decode refresh response: %w", err)
		}
		if pair.AccessToken == "" {
			return auth.Pair{}, errors.New("refresh response has no access token")
		}
		return pair, nil
	}
}
