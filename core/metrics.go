package core

import "context"

const (
	metricTokenCacheHit       = "multibank.token.cache_hit"
	metricTokenExchange       = "multibank.token.exchange"
	metricTokenExchangeFailed = "multibank.token.exchange_failed"
	metricInstitutionFetch    = "multibank.aggregate.institution_fetch_ms"
	metricInstitutionFailed   = "multibank.aggregate.institution_failed"
	metricBalanceDefaulted    = "multibank.aggregate.balance_defaulted"
	metricConsentTransition   = "multibank.consent.transition"
)

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
