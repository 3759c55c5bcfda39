package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ev-demand-analytics-engine/config"
	"ev-demand-analytics-engine/storage"
)

func steadyDemand(hours int) []storage.Event {
	events := make([]storage.Event, 0, hours)
	for h := 0; h < hours; h++ {
		events = append(events, ev("a", h, 10+h%3, 5, 0.5, 0))
	}
	return events
}

func TestDemandAlertsDetectsSpike(t *testing.T) {
	events := steadyDemand(48)
	events = append(events, ev("a", 48, 60, 5, 1.0, 0))

	alerts := DemandAlerts(events, AlertConfigFrom(config.DefaultConfig().Analytics))
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDemandSpike, alerts[0].Type)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Equal(t, 60.0, alerts[0].Value)
	assert.Equal(t, MethodZScore, alerts[0].Method)
	require.NotNil(t, alerts[0].ExpectedRange)
}

func TestDemandAlertsDetectsDrop(t *testing.T) {
	events := steadyDemand(48)
	events = append(events, ev("a", 48, 0, 0, 0, 0))

	alerts := DemandAlerts(events, AlertConfig{Method: MethodZScore, Threshold: 3, Window: 168, MinDataPoints: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDemandDrop, alerts[0].Type)
}

func TestDemandAlertsSteadySeries(t *testing.T) {
	alerts := DemandAlerts(steadyDemand(72), AlertConfigFrom(config.DefaultConfig().Analytics))
	assert.Empty(t, alerts)
	assert.NotNil(t, alerts)
}

func TestDemandAlertsQueueSaturation(t *testing.T) {
	events := []storage.Event{
		ev("b", 5, 8, 4, 1.0, 7),
		ev("a", 5, 8, 4, 1.0, 2),
		ev("c", 5, 8, 4, 0.4, 0),
		ev("d", 4, 8, 4, 1.0, 9),
	}

	alerts := DemandAlerts(events, AlertConfigFrom(config.DefaultConfig().Analytics))
	require.Len(t, alerts, 2)
	assert.Equal(t, "a", alerts[0].StationID)
	assert.Equal(t, SeverityMedium, alerts[0].Severity)
	assert.Equal(t, "b", alerts[1].StationID)
	assert.Equal(t, SeverityHigh, alerts[1].Severity)
	assert.Equal(t, AlertQueueSaturation, alerts[1].Type)
}

func TestDemandAlertsEmpty(t *testing.T) {
	assert.Empty(t, DemandAlerts(nil, AlertConfig{}))
}
