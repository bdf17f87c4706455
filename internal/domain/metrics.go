package domain

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Provider identifies one of the external metrics sources.
type Provider string

const (
	ProviderAhrefs     Provider = "ahrefs"
	ProviderDataForSEO Provider = "dataforseo"
	ProviderMajestic   Provider = "majestic"
)

// AllProviders is the closed set of supported providers in display order.
var AllProviders = []Provider{ProviderMajestic, ProviderAhrefs, ProviderDataForSEO}

// ParseProvider maps a user-supplied name onto a Provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderAhrefs, ProviderDataForSEO, ProviderMajestic:
		return p, nil
	}
	return "", errors.Wrapf(ErrInvalidInput, "unknown provider %q", s)
}

// ProviderSet is the set of providers enabled for a job.
type ProviderSet map[Provider]bool

// NewProviderSet builds a set from the given providers.
func NewProviderSet(ps ...Provider) ProviderSet {
	set := make(ProviderSet, len(ps))
	for _, p := range ps {
		set[p] = true
	}
	return set
}

// Has reports whether p is enabled.
func (s ProviderSet) Has(p Provider) bool {
	return s[p]
}

// List returns the enabled providers in AllProviders order.
func (s ProviderSet) List() []Provider {
	var out []Provider
	for _, p := range AllProviders {
		if s[p] {
			out = append(out, p)
		}
	}
	return out
}

// String renders the set as a comma-separated list, the form it is persisted in.
func (s ProviderSet) String() string {
	names := make([]string, 0, len(s))
	for _, p := range s.List() {
		names = append(names, string(p))
	}
	return strings.Join(names, ",")
}

// ParseProviderSet is the inverse of ProviderSet.String.
func ParseProviderSet(s string) (ProviderSet, error) {
	set := ProviderSet{}
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p, err := ParseProvider(part)
		if err != nil {
			return nil, err
		}
		set[p] = true
	}
	return set, nil
}

// MetricName is a name from the shared metric vocabulary.
type MetricName string

const (
	MetricDomainRating     MetricName = "domain_rating"
	MetricReferringDomains MetricName = "referring_domains"
	MetricTraffic          MetricName = "traffic"
	MetricRank             MetricName = "rank"
	MetricTopics           MetricName = "topics"
)

// ValueKind tells which field of a Value is meaningful.
type ValueKind int

const (
	KindNumber ValueKind = iota
	KindBool
	KindText
)

// Value is a single metric value. Absence is expressed by the metric
// not being present in its map.
type Value struct {
	Kind   ValueKind
	Number float64
	Bool   bool
	Text   string
}

func NumberValue(f float64) Value { return Value{Kind: KindNumber, Number: f} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func TextValue(s string) Value    { return Value{Kind: KindText, Text: s} }

// String formats the value for display.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return "Yes"
		}
		return "No"
	case KindText:
		return v.Text
	default:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
}

// Outcome is the result of one (domain, provider) fetch.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeProviderError Outcome = "provider_error"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeNotRequested  Outcome = "not_requested"
	OutcomeConfig        Outcome = "config"
)

// MetricRecord is the normalized result of fetching one domain from one provider.
type MetricRecord struct {
	Domain   string
	Provider Provider
	Metrics  map[MetricName]Value
	Outcome  Outcome
	Err      string
}

// OKRecord builds a successful record. An empty metric map is reported as
// a provider error so that OK always carries at least one value.
func OKRecord(domainName string, p Provider, metrics map[MetricName]Value) MetricRecord {
	if len(metrics) == 0 {
		return FailedRecord(domainName, p, OutcomeProviderError, "response carried no metrics")
	}
	return MetricRecord{Domain: domainName, Provider: p, Metrics: metrics, Outcome: OutcomeOK}
}

// FailedRecord builds a record without metrics.
func FailedRecord(domainName string, p Provider, outcome Outcome, msg string) MetricRecord {
	return MetricRecord{Domain: domainName, Provider: p, Outcome: outcome, Err: msg}
}

// MetricKey is a provider-qualified metric name.
type MetricKey struct {
	Provider Provider
	Name     MetricName
}

// Reachability is the result of probing a domain directly.
// Nil fields mean the check did not produce a value.
type Reachability struct {
	StatusCode *int
	HTTPS      *bool
}

// ResultRow is the merge of all records for one domain plus reachability.
type ResultRow struct {
	Index        int
	Domain       string
	Reachability Reachability
	Records      map[Provider]MetricRecord
}

// Metrics returns the provider-qualified union of all record metrics.
func (r ResultRow) Metrics() map[MetricKey]Value {
	out := make(map[MetricKey]Value)
	for p, rec := range r.Records {
		for name, v := range rec.Metrics {
			out[MetricKey{Provider: p, Name: name}] = v
		}
	}
	return out
}

// Metric looks up one provider-qualified value.
func (r ResultRow) Metric(p Provider, name MetricName) (Value, bool) {
	rec, ok := r.Records[p]
	if !ok {
		return Value{}, false
	}
	v, ok := rec.Metrics[name]
	return v, ok
}

// Failures counts records that were requested but did not succeed.
func (r ResultRow) Failures() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Outcome != OutcomeOK && rec.Outcome != OutcomeNotRequested {
			n++
		}
	}
	return n
}

// SortRows orders rows by their submitted position.
func SortRows(rows []ResultRow) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
}
