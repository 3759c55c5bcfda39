package analytics

import (
	"fmt"
	"sort"
	"time"

	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/storage"
)

// Alert types
const (
	AlertDemandSpike     = "demand_spike"
	AlertDemandDrop      = "demand_drop"
	AlertQueueSaturation = "queue_saturation"
)

// Alert severities
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// queueHighSeverity is the queue length above which saturation is high severity
const queueHighSeverity = 5

// Alert is an operational signal derived from recent demand
type Alert struct {
	Type          string    `json:"type"`
	Severity      string    `json:"severity"`
	StationID     string    `json:"station_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Value         float64   `json:"value"`
	Score         float64   `json:"score,omitempty"`
	Method        string    `json:"method,omitempty"`
	ExpectedRange *Range    `json:"expected_range,omitempty"`
	Message       string    `json:"message"`
}

// AlertConfig controls demand alert detection
type AlertConfig struct {
	Method        string
	Threshold     float64
	Window        int
	MinDataPoints int
}

// AlertConfigFrom extracts alert settings from the analytics configuration
func AlertConfigFrom(cfg config.AnalyticsConfig) AlertConfig {
	return AlertConfig{
		Method:        cfg.AlertMethod,
		Threshold:     cfg.AlertThreshold,
		Window:        cfg.AlertWindow,
		MinDataPoints: cfg.AlertMinDataPoints,
	}
}

// DemandAlerts scans the global hourly vehicle series for spikes and drops
// and reports stations queueing at the latest timestamp. The first
// MinDataPoints hours only train the detector.
func DemandAlerts(events []storage.Event, cfg AlertConfig) []Alert {
	alerts := []Alert{}
	if len(events) == 0 {
		return alerts
	}

	series := HourlyTotals(events)
	warmup := cfg.MinDataPoints
	if warmup < 1 {
		warmup = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = len(series)
	}

	if len(series) > warmup {
		detector := NewDetector(cfg.Method, cfg.Threshold, window)
		if err := detector.Train(series[:warmup]); err == nil {
			for _, p := range series[warmup:] {
				result, err := detector.Detect(p)
				if err != nil || !result.IsAnomaly {
					continue
				}
				alerts = append(alerts, demandAlert(result))
			}
		}
	}

	return append(alerts, saturationAlerts(events)...)
}

func demandAlert(r AnomalyResult) Alert {
	expected := r.ExpectedRange
	a := Alert{
		Type:          AlertDemandSpike,
		Severity:      SeverityMedium,
		Timestamp:     r.Timestamp,
		Value:         r.Value,
		Score:         r.Score,
		Method:        r.Method,
		ExpectedRange: &expected,
	}
	if r.Value < expected.Min {
		a.Type = AlertDemandDrop
	}
	if r.Score >= 2*r.Threshold {
		a.Severity = SeverityHigh
	}
	a.Message = fmt.Sprintf("%s: %.0f vehicles against expected %.0f-%.0f",
		a.Type, r.Value, expected.Min, expected.Max)
	return a
}

func saturationAlerts(events []storage.Event) []Alert {
	end := latest(events)

	var alerts []Alert
	for _, e := range events {
		if !e.Timestamp.Equal(end) || e.QueueLength <= 0 {
			continue
		}
		severity := SeverityMedium
		if e.QueueLength > queueHighSeverity {
			severity = SeverityHigh
		}
		alerts = append(alerts, Alert{
			Type:      AlertQueueSaturation,
			Severity:  severity,
			StationID: e.StationID,
			Timestamp: e.Timestamp,
			Value:     float64(e.QueueLength),
			Message:   fmt.Sprintf("station %s saturated with %d vehicles queued", e.StationID, e.QueueLength),
		})
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].StationID < alerts[j].StationID })
	return alerts
}
