package provider

import (
	"context"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/cwygoda/imscraper/internal/domain"
)

const majesticBaseURL = "https://api.majestic.com"

// Majestic fetches the leading topical category of a domain.
type Majestic struct {
	client
}

// NewMajestic creates a Majestic client.
func NewMajestic(opts Options) *Majestic {
	return &Majestic{client: newClient(domain.ProviderMajestic, majesticBaseURL, opts)}
}

type majesticResponse struct {
	Code         string `json:"Code"`
	ErrorMessage string `json:"ErrorMessage"`
	DataTables   struct {
		Topics struct {
			Data []struct {
				Topic string `json:"Topic"`
			} `json:"Data"`
		} `json:"Topics"`
	} `json:"DataTables"`
}

// Fetch implements domain.MetricsProvider.
func (m *Majestic) Fetch(ctx context.Context, host string, creds domain.Credentials) domain.MetricRecord {
	if err := creds.Check(domain.ProviderMajestic); err != nil {
		return m.configFailure(host, err)
	}

	q := url.Values{}
	q.Set("app_api_key", creds.Majestic.APIKey)
	q.Set("cmd", "GetTopics")
	q.Set("datasource", "fresh")
	q.Set("Item", domain.StripWWW(host))
	q.Set("Count", "100")
	q.Set("SortOrder", "desc")

	var resp majesticResponse
	if err := m.getJSON(ctx, "/api/json", q, &resp); err != nil {
		return m.failure(ctx, host, err)
	}
	if resp.Code != "OK" {
		return m.failure(ctx, host, errors.Wrapf(errRejected, "code %s: %s", resp.Code, resp.ErrorMessage))
	}
	topics := resp.DataTables.Topics.Data
	if len(topics) == 0 || strings.TrimSpace(topics[0].Topic) == "" {
		return m.failure(ctx, host, errors.Wrap(errMalformed, "no topics"))
	}
	return domain.OKRecord(host, domain.ProviderMajestic, map[domain.MetricName]domain.Value{
		domain.MetricTopics: domain.TextValue(topics[0].Topic),
	})
}
