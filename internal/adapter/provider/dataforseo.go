package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/cwygoda/imscraper/internal/domain"
)

const (
	dataForSEOBaseURL = "https://api.dataforseo.com"
	dataForSEOOK      = 20000
)

var dataForSEOBacklinkMetrics = map[string]domain.MetricName{
	"rank":                   domain.MetricRank,
	"referring_main_domains": domain.MetricReferringDomains,
}

// DataForSEO combines the backlinks summary (rank, referring domains) with
// the Labs traffic estimate. Both calls must succeed for an OK record.
type DataForSEO struct {
	client
	location string
	language string
}

// NewDataForSEO creates a DataForSEO client.
func NewDataForSEO(opts Options) *DataForSEO {
	return &DataForSEO{
		client:   newClient(domain.ProviderDataForSEO, dataForSEOBaseURL, opts),
		location: "United States",
		language: "English",
	}
}

type dataForSEOEnvelope[T any] struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Tasks         []struct {
		StatusCode    int    `json:"status_code"`
		StatusMessage string `json:"status_message"`
		Result        []T    `json:"result"`
	} `json:"tasks"`
}

// first returns the first result of the first task or an error describing
// why there is none.
func (e *dataForSEOEnvelope[T]) first() (T, error) {
	var zero T
	if e.StatusCode != dataForSEOOK {
		return zero, errors.Wrapf(errRejected, "status %d: %s", e.StatusCode, e.StatusMessage)
	}
	if len(e.Tasks) == 0 {
		return zero, errors.Wrap(errMalformed, "no tasks")
	}
	task := e.Tasks[0]
	if task.StatusCode != dataForSEOOK {
		return zero, errors.Wrapf(errRejected, "task status %d: %s", task.StatusCode, task.StatusMessage)
	}
	if len(task.Result) == 0 {
		return zero, errors.Wrap(errMalformed, "no results")
	}
	return task.Result[0], nil
}

type dataForSEOTrafficResult struct {
	Items []struct {
		Metrics struct {
			Organic struct {
				ETV *number `json:"etv"`
			} `json:"organic"`
		} `json:"metrics"`
	} `json:"items"`
}

// Fetch implements domain.MetricsProvider.
func (d *DataForSEO) Fetch(ctx context.Context, host string, creds domain.Credentials) domain.MetricRecord {
	if err := creds.Check(domain.ProviderDataForSEO); err != nil {
		return d.configFailure(host, err)
	}
	auth := func(r *http.Request) {
		r.SetBasicAuth(creds.DataForSEO.Login, creds.DataForSEO.Password)
	}

	var (
		wg         sync.WaitGroup
		backlinks  map[domain.MetricName]domain.Value
		traffic    domain.Value
		linkErr    error
		trafficErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		backlinks, linkErr = d.backlinks(ctx, host, auth)
	}()
	go func() {
		defer wg.Done()
		traffic, trafficErr = d.traffic(ctx, host, auth)
	}()
	wg.Wait()

	if linkErr != nil {
		return d.failure(ctx, host, errors.Wrap(linkErr, "backlinks summary"))
	}
	if trafficErr != nil {
		return d.failure(ctx, host, errors.Wrap(trafficErr, "traffic estimation"))
	}
	backlinks[domain.MetricTraffic] = traffic
	return domain.OKRecord(host, domain.ProviderDataForSEO, backlinks)
}

func (d *DataForSEO) backlinks(ctx context.Context, host string, auth func(*http.Request)) (map[domain.MetricName]domain.Value, error) {
	body := []map[string]any{{
		"target":                host,
		"include_subdomains":    true,
		"backlinks_status_type": "live",
	}}
	var env dataForSEOEnvelope[map[string]json.RawMessage]
	if err := d.postJSON(ctx, "/v3/backlinks/summary/live", body, auth, &env); err != nil {
		return nil, err
	}
	result, err := env.first()
	if err != nil {
		return nil, err
	}
	return mapMetrics(result, dataForSEOBacklinkMetrics)
}

func (d *DataForSEO) traffic(ctx context.Context, host string, auth func(*http.Request)) (domain.Value, error) {
	body := []map[string]any{{
		"targets":       []string{host},
		"location_name": d.location,
		"language_name": d.language,
	}}
	var env dataForSEOEnvelope[dataForSEOTrafficResult]
	if err := d.postJSON(ctx, "/v3/dataforseo_labs/google/bulk_traffic_estimation/live", body, auth, &env); err != nil {
		return domain.Value{}, err
	}
	result, err := env.first()
	if err != nil {
		return domain.Value{}, err
	}
	if len(result.Items) == 0 {
		return domain.Value{}, errors.Wrap(errMalformed, "no traffic items")
	}
	etv := result.Items[0].Metrics.Organic.ETV
	if etv == nil || !etv.set {
		return domain.Value{}, errors.Wrap(errMalformed, "missing organic etv")
	}
	return domain.NumberValue(etv.value), nil
}
