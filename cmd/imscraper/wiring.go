package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/cwygoda/imscraper/internal/adapter/provider"
	"github.com/cwygoda/imscraper/internal/config"
	"github.com/cwygoda/imscraper/internal/domain"
	"github.com/cwygoda/imscraper/internal/fetch"
	"github.com/cwygoda/imscraper/internal/worker"
)

func providerOptions(pc config.ProviderConfig, httpClient *http.Client, log *zap.SugaredLogger) provider.Options {
	return provider.Options{
		BaseURL:    pc.BaseURL,
		HTTPClient: httpClient,
		Limiter:    provider.Limit(pc.RateLimit, pc.RatePeriod.Duration),
		Logger:     log,
	}
}

// newRegistry registers every provider client. Limiters live as long as
// the registry, so all jobs in the process share them.
func newRegistry(cfg *config.Config, log *zap.SugaredLogger) *provider.Registry {
	httpClient := &http.Client{}
	pc := cfg.Providers

	registry := provider.NewRegistry()
	registry.Register(provider.NewAhrefs(providerOptions(pc.Ahrefs, httpClient, log)))
	registry.Register(provider.NewMajestic(providerOptions(pc.Majestic, httpClient, log)))
	registry.Register(provider.NewDataForSEO(providerOptions(pc.DataForSEO, httpClient, log)))
	return registry
}

// newRunner assembles the fetch pipeline shared by serve and scan.
func newRunner(cfg *config.Config, svc *domain.JobService, writer domain.ArtifactWriter, log *zap.SugaredLogger) *worker.Runner {
	registry := newRegistry(cfg, log)
	log.Infow("providers ready", "registry", registry.String())

	reach := provider.NewReachability(&http.Client{}, cfg.Providers.ReachabilityTimeout.Duration, log)

	orch := fetch.New(registry.Providers(), reach, cfg.Providers.Timeout.Duration, log)
	return worker.NewRunner(svc, orch, writer, cfg.Worker.DomainConcurrency, log)
}
