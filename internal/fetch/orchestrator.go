// Package fetch resolves a single domain against every enabled provider
// and the reachability check, merging the results into one row.
package fetch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cwygoda/imscraper/internal/domain"
)

// Orchestrator fans one domain out to the providers and joins the results.
type Orchestrator struct {
	providers map[domain.Provider]domain.MetricsProvider
	reach     domain.ReachabilityChecker
	timeout   time.Duration
	log       *zap.SugaredLogger
}

// New creates an orchestrator. timeout bounds every provider call
// independently.
func New(providers []domain.MetricsProvider, reach domain.ReachabilityChecker, timeout time.Duration, log *zap.SugaredLogger) *Orchestrator {
	byName := make(map[domain.Provider]domain.MetricsProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Orchestrator{
		providers: byName,
		reach:     reach,
		timeout:   timeout,
		log:       log,
	}
}

// Resolve fetches every enabled provider and the reachability check
// concurrently and returns once all of them have settled. Providers that
// are not enabled are recorded as not requested without any call.
func (o *Orchestrator) Resolve(ctx context.Context, index int, host string, enabled domain.ProviderSet, creds domain.Credentials) domain.ResultRow {
	row := domain.ResultRow{
		Index:   index,
		Domain:  host,
		Records: make(map[domain.Provider]domain.MetricRecord, len(domain.AllProviders)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	set := func(name domain.Provider, rec domain.MetricRecord) {
		mu.Lock()
		row.Records[name] = rec
		mu.Unlock()
	}
	// Input that never normalized to a hostname is kept as a row but not sent anywhere.
	valid := domain.ValidHost(host)
	for _, name := range domain.AllProviders {
		if !enabled.Has(name) {
			set(name, domain.FailedRecord(host, name, domain.OutcomeNotRequested, ""))
			continue
		}
		if !valid {
			set(name, domain.FailedRecord(host, name, domain.OutcomeConfig, "not a valid hostname"))
			continue
		}
		client, ok := o.providers[name]
		if !ok {
			set(name, domain.FailedRecord(host, name, domain.OutcomeConfig, "provider not configured"))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := o.callContext(ctx)
			defer cancel()
			set(name, client.Fetch(callCtx, host, creds))
		}()
	}

	if o.reach != nil && valid {
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := o.callContext(ctx)
			defer cancel()
			reach := o.reach.Check(callCtx, host)
			mu.Lock()
			row.Reachability = reach
			mu.Unlock()
		}()
	}

	wg.Wait()

	for _, rec := range row.Records {
		if rec.Outcome != domain.OutcomeOK && rec.Outcome != domain.OutcomeNotRequested {
			o.log.Infow("provider fetch failed",
				"domain", host, "provider", rec.Provider, "outcome", rec.Outcome, "error", rec.Err)
		}
	}
	return row
}

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}
