// Package provider holds the clients for the external SEO metrics sources
// and the direct reachability check.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cwygoda/imscraper/internal/domain"
)

const userAgent = "imscraper/1.0"

var (
	errMalformed = errors.New("malformed response")
	errRejected  = errors.New("provider rejected request")
)

// Options configure a provider client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Logger     *zap.SugaredLogger
}

// Limit builds a limiter allowing n calls per period.
func Limit(n int, per time.Duration) *rate.Limiter {
	if n <= 0 || per <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/per.Seconds()), n)
}

// client is the HTTP plumbing shared by all providers.
type client struct {
	name    domain.Provider
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

func newClient(name domain.Provider, defaultBase string, opts Options) client {
	c := client{
		name:    name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		limiter: opts.Limiter,
		log:     opts.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBase
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if c.log == nil {
		c.log = zap.NewNop().Sugar()
	}
	c.log = c.log.With("provider", string(name))
	return c
}

// Name returns the provider identifier.
func (c *client) Name() domain.Provider {
	return c.name
}

// postJSON sends body as JSON and decodes the response into out.
func (c *client) postJSON(ctx context.Context, path string, body any, auth func(*http.Request), out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	auth(req)
	return c.do(ctx, req, out)
}

// getJSON issues a GET with query parameters and decodes the response into out.
func (c *client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	return c.do(ctx, req, out)
}

func (c *client) do(ctx context.Context, req *http.Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(context.DeadlineExceeded, "rate limit wait")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		// url.Error embeds the request URL, which may carry an API key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return errors.Wrap(err, "request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return errors.Wrapf(errRejected, "status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(ctx, err) {
			return errors.Wrap(context.DeadlineExceeded, "read body")
		}
		return errors.Wrapf(errMalformed, "decode body: %v", err)
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// failure converts a fetch error into a record without metrics.
func (c *client) failure(ctx context.Context, host string, err error) domain.MetricRecord {
	outcome := domain.OutcomeProviderError
	if isTimeout(ctx, err) {
		outcome = domain.OutcomeTimeout
	}
	c.log.Debugw("fetch failed", "domain", host, "outcome", outcome, "error", err.Error())
	return domain.FailedRecord(host, c.name, outcome, err.Error())
}

// configFailure is returned without touching the network.
func (c *client) configFailure(host string, err error) domain.MetricRecord {
	return domain.FailedRecord(host, c.name, domain.OutcomeConfig, err.Error())
}

// number accepts JSON numbers as well as strings like "12,345".
type number struct {
	value float64
	set   bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.Wrapf(errMalformed, "not a number: %s", b)
	}
	n.value, n.set = f, true
	return nil
}

// mapMetrics applies a provider's vocabulary table to a raw JSON object.
// Every field in the table must be present and numeric; otherwise the whole
// response counts as malformed.
func mapMetrics(raw map[string]json.RawMessage, table map[string]domain.MetricName) (map[domain.MetricName]domain.Value, error) {
	out := make(map[domain.MetricName]domain.Value, len(table))
	for field, name := range table {
		msg, ok := raw[field]
		if !ok {
			return nil, errors.Wrapf(errMalformed, "missing field %q", field)
		}
		var n number
		if err := json.Unmarshal(msg, &n); err != nil {
			return nil, errors.Wrapf(err, "field %q", field)
		}
		if !n.set {
			return nil, errors.Wrapf(errMalformed, "empty field %q", field)
		}
		out[name] = domain.NumberValue(n.value)
	}
	return out, nil
}

// Registry holds the provider clients by identifier.
type Registry struct {
	providers map[domain.Provider]domain.MetricsProvider
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.Provider]domain.MetricsProvider)}
}

// Register adds a provider, replacing any previous one with the same name.
func (r *Registry) Register(p domain.MetricsProvider) {
	r.providers[p.Name()] = p
}

// Providers returns all registered providers in display order.
func (r *Registry) Providers() []domain.MetricsProvider {
	var out []domain.MetricsProvider
	for _, name := range domain.AllProviders {
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) String() string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.Providers() {
		names = append(names, string(p.Name()))
	}
	return fmt.Sprintf("providers[%s]", strings.Join(names, ","))
}
