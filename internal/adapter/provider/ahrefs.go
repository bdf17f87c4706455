package provider

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/cwygoda/imscraper/internal/domain"
)

const ahrefsBaseURL = "https://api.ahrefs.com"

var ahrefsMetrics = map[string]domain.MetricName{
	"domain_rating": domain.MetricDomainRating,
	"refdomains":    domain.MetricReferringDomains,
	"org_traffic":   domain.MetricTraffic,
}

// Ahrefs fetches domain rating, referring domains and organic traffic
// through the v3 batch analysis endpoint.
type Ahrefs struct {
	client
}

// NewAhrefs creates an Ahrefs client.
func NewAhrefs(opts Options) *Ahrefs {
	return &Ahrefs{client: newClient(domain.ProviderAhrefs, ahrefsBaseURL, opts)}
}

type ahrefsTarget struct {
	URL      string `json:"url"`
	Mode     string `json:"mode"`
	Protocol string `json:"protocol"`
}

type ahrefsRequest struct {
	Select  []string       `json:"select"`
	Targets []ahrefsTarget `json:"targets"`
}

type ahrefsResponse struct {
	Targets []map[string]json.RawMessage `json:"targets"`
}

// Fetch implements domain.MetricsProvider.
func (a *Ahrefs) Fetch(ctx context.Context, host string, creds domain.Credentials) domain.MetricRecord {
	if err := creds.Check(domain.ProviderAhrefs); err != nil {
		return a.configFailure(host, err)
	}

	body := ahrefsRequest{
		Select:  []string{"domain_rating", "refdomains", "org_traffic"},
		Targets: []ahrefsTarget{{URL: host, Mode: "subdomains", Protocol: "both"}},
	}
	auth := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+creds.Ahrefs.APIKey) }

	var resp ahrefsResponse
	if err := a.postJSON(ctx, "/v3/batch-analysis/batch-analysis", body, auth, &resp); err != nil {
		return a.failure(ctx, host, err)
	}
	if len(resp.Targets) == 0 {
		return a.failure(ctx, host, errors.Wrap(errMalformed, "no targets in response"))
	}
	metrics, err := mapMetrics(resp.Targets[0], ahrefsMetrics)
	if err != nil {
		return a.failure(ctx, host, err)
	}
	return domain.OKRecord(host, domain.ProviderAhrefs, metrics)
}
