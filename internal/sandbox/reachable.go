package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrNotReady is what probes return while the target is not yet reachable.
var ErrNotReady = errors.New("not ready")

// WaitReachable calls probe with exponential backoff until it yields a URL,
// the ceiling elapses or ctx ends. A probe can abort early by returning
// backoff.Permanent(err). The started process binds its port asynchronously,
// so every runtime routes ExposePort through here.
func WaitReachable(ctx context.Context, port int, ceiling time.Duration, probe func(context.Context) (string, error)) (string, error) {
	if ceiling <= 0 {
		ceiling = DefaultExposeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	var permanent bool
	u, err := backoff.Retry(ctx, func() (string, error) {
		u, err := probe(ctx)
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			permanent = true
		}
		return u, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(ceiling))
	if err == nil {
		return u, nil
	}
	if permanent {
		return "", &ExposeError{Kind: ExposeFailed, Port: port, Err: err}
	}
	return "", &ExposeError{Kind: ExposeTimeout, Port: port, Err: fmt.Errorf("not reachable within %s: %w", ceiling, err)}
}

// HTTPProbe returns a probe that succeeds once url answers any HTTP
// response. Port forwarders accept TCP before the process behind them binds,
// so a bare dial is not enough there.
func HTTPProbe(client *http.Client, url string) func(context.Context) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		_ = resp.Body.Close()
		return url, nil
	}
}

// DialProbe returns a probe that succeeds, yielding url, once addr accepts a
// TCP connection.
func DialProbe(addr, url string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		var d net.Dialer
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		conn, err := d.DialContext(dctx, "tcp", addr)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotReady, err)
		}
		_ = conn.Close()
		return url, nil
	}
}
