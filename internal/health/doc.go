// Package health probes configured sources and classifies each one as
// healthy, degraded or unhealthy from a rolling window of outcomes.
//
// A source turns unhealthy after a run of consecutive failures, or when
// its success rate over a full window drops below the low threshold. An
// unhealthy source with a configured fallback has traffic redirected
// until its success rate stays above the high threshold for several
// consecutive checks, so alternating pass/fail probes never make the
// status flap.
package health
