package provider

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/imscraper/internal/domain"
)

// Reachability checks a domain over plain HTTP for its status code and
// over HTTPS for availability.
type Reachability struct {
	http    *http.Client
	timeout time.Duration
	log     *zap.SugaredLogger
	// scheme overrides exist so tests can aim both requests at httptest servers.
	httpURL  func(host string) string
	httpsURL func(host string) string
}

// NewReachability creates a checker; each request gets its own timeout.
func NewReachability(httpClient *http.Client, timeout time.Duration, log *zap.SugaredLogger) *Reachability {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reachability{
		http:     httpClient,
		timeout:  timeout,
		log:      log,
		httpURL:  func(host string) string { return "http://" + host },
		httpsURL: func(host string) string { return "https://" + host },
	}
}

// Check implements domain.ReachabilityChecker.
func (r *Reachability) Check(ctx context.Context, host string) domain.Reachability {
	var (
		wg     sync.WaitGroup
		result domain.Reachability
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if code, err := r.status(ctx, r.httpURL(host)); err == nil {
			result.StatusCode = &code
		} else {
			r.log.Debugw("http check failed", "domain", host, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		code, err := r.status(ctx, r.httpsURL(host))
		secure := err == nil && code == http.StatusOK
		result.HTTPS = &secure
	}()
	wg.Wait()
	return result
}

func (r *Reachability) status(ctx context.Context, target string) (int, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := r.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
