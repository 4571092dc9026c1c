package agent

import (
	"fmt"
	"time"

	"dari_scrooper/models"
)

type Strategy string

const (
	StrategyAggressive   Strategy = "aggressive"
	StrategyBalanced     Strategy = "balanced"
	StrategyConservative Strategy = "conservative"
	StrategyMinimal      Strategy = "minimal"
)

// Profile is the fixed intensity bundle of a strategy.
type Profile struct {
	MaxPages    int
	Delay       time.Duration
	Priority    int
	Concurrency int
}

var Profiles = map[Strategy]Profile{
	StrategyAggressive:   {MaxPages: 20, Delay: 1 * time.Second, Priority: 3, Concurrency: 5},
	StrategyBalanced:     {MaxPages: 10, Delay: 2 * time.Second, Priority: 2, Concurrency: 3},
	StrategyConservative: {MaxPages: 5, Delay: 5 * time.Second, Priority: 1, Concurrency: 2},
	StrategyMinimal:      {MaxPages: 1, Delay: 3 * time.Second, Priority: 1, Concurrency: 1},
}

const (
	conservativeErrorRate = 0.3
	minimalQuality        = 80.0
	aggressiveMinSuccess  = 10
	aggressiveErrorRate   = 0.1
)

// DecideStrategy picks the profile for the next run. The checks are ordered:
// error rate first, then data quality, then the aggressive upgrade.
func DecideStrategy(m models.RunMetrics) (Strategy, string) {
	rate := m.ErrorRate()
	switch {
	case rate > conservativeErrorRate:
		return StrategyConservative, fmt.Sprintf("error rate %.0f%% above %.0f%%", rate*100, conservativeErrorRate*100)
	case m.DataQualityScore < minimalQuality:
		return StrategyMinimal, fmt.Sprintf("data quality %.1f below %.0f", m.DataQualityScore, minimalQuality)
	case m.SuccessfulScrapes > aggressiveMinSuccess && rate < aggressiveErrorRate:
		return StrategyAggressive, fmt.Sprintf("%d successful runs at %.0f%% errors", m.SuccessfulScrapes, rate*100)
	default:
		return StrategyBalanced, "default"
	}
}

// TaskFor expands a strategy into the task the orchestrator is tuned with.
func TaskFor(s Strategy) models.ScrapeTask {
	p, ok := Profiles[s]
	if !ok {
		s = StrategyBalanced
		p = Profiles[s]
	}
	return models.ScrapeTask{
		Strategy:    string(s),
		MaxPages:    p.MaxPages,
		Delay:       p.Delay,
		Concurrency: p.Concurrency,
		Priority:    p.Priority,
	}
}

// capPages limits every search to the task's page budget.
func capPages(params []models.SearchParams, maxPages int) []models.SearchParams {
	out := make([]models.SearchParams, len(params))
	for i, p := range params {
		if p.MaxPages <= 0 || p.MaxPages > maxPages {
			p.MaxPages = maxPages
		}
		out[i] = p
	}
	return out
}
