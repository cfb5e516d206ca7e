package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client — исходящий HTTP к API приложений. Ретраи только на транспортных
// ошибках (dial/timeout/reset); HTTP-статусы наружу как есть, их ретраить
// не наше дело.
type Client struct {
	http          *http.Client
	attempts      int
	retryInterval time.Duration
}

func NewClient(timeout time.Duration, retries int, retryInterval time.Duration) *Client {
	if retries < 1 {
		retries = 1
	}
	return &Client{
		http:          &http.Client{Timeout: timeout},
		attempts:      retries,
		retryInterval: retryInterval,
	}
}

// Do выполняет запрос с bearer-ключом; тело пересоздаётся на каждой попытке.
func (c *Client) Do(ctx context.Context, method, url, bearer string, body []byte) (status int, respBody []byte, err error) {
	for attempt := 1; ; attempt++ {
		var rdr io.Reader
		if len(body) > 0 {
			rdr = bytes.NewReader(body)
		}
		req, rerr := http.NewRequestWithContext(ctx, method, url, rdr)
		if rerr != nil {
			return 0, nil, rerr
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/json")
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, derr := c.http.Do(req)
		if derr != nil {
			if attempt < c.attempts && ctx.Err() == nil {
				time.Sleep(c.retryInterval)
				continue
			}
			return 0, nil, fmt.Errorf("request %s %s failed after %d attempt(s): %w",
				method, url, attempt, derr)
		}
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()
		if err != nil {
			return resp.StatusCode, nil, err
		}
		return resp.StatusCode, respBody, nil
	}
}

// JoinURL склеивает app_url и endpoint, не плодя двойных слэшей.
func JoinURL(base, endpoint string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
