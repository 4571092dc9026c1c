package agent

import (
	"fmt"

	"dari_scrooper/config"
	"dari_scrooper/models"
)

// Anomaly kinds, also used as metric labels.
const (
	AnomalyNone       = ""
	AnomalyEmpty      = "empty"
	AnomalyFewRecords = "few_records"
	AnomalyQuality    = "quality"
	AnomalyPrice      = "price"
)

type Thresholds struct {
	MinRecords int
	MinQuality float64
	PriceMin   float64
	PriceMax   float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinRecords: 10, MinQuality: 70, PriceMin: 5000, PriceMax: 5000000}
}

func ThresholdsFromConfig(cfg config.AgentConfig) Thresholds {
	return Thresholds{
		MinRecords: cfg.MinRecordsPerPage,
		MinQuality: cfg.MinPageQuality,
		PriceMin:   cfg.PriceMin,
		PriceMax:   cfg.PriceMax,
	}
}

// DetectAnomaly inspects the records of one page and returns the first
// anomaly found, checked in order: empty, too few, low quality, price band.
func DetectAnomaly(records []models.Listing, th Thresholds) (kind, msg string) {
	if len(records) == 0 {
		return AnomalyEmpty, "no listings found"
	}
	if len(records) < th.MinRecords {
		return AnomalyFewRecords, fmt.Sprintf("only %d listings (expected at least %d)", len(records), th.MinRecords)
	}

	if q := averageQuality(records); q < th.MinQuality {
		return AnomalyQuality, fmt.Sprintf("low average quality %.1f", q)
	}

	var sum float64
	var n int
	for i := range records {
		if p := records[i].Price; p != nil {
			sum += *p
			n++
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		if avg < th.PriceMin || avg > th.PriceMax {
			return AnomalyPrice, fmt.Sprintf("unusual average price %.0f", avg)
		}
	}

	return AnomalyNone, ""
}

func averageQuality(records []models.Listing) float64 {
	if len(records) == 0 {
		return 0
	}
	var total float64
	for i := range records {
		total += records[i].QualityScore()
	}
	return total / float64(len(records))
}

// healHint is what an operator should look at for each kind of anomaly.
func healHint(kind string) string {
	switch kind {
	case AnomalyEmpty, AnomalyFewRecords:
		return "check listing link selectors and pagination"
	case AnomalyQuality:
		return "check detail page field selectors"
	case AnomalyPrice:
		return "check price and currency parsing"
	default:
		return "none"
	}
}
