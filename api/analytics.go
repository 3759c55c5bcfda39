package api

import (
	"fmt"
	"net/http"
	"time"

	"ev-demand-analytics-engine/analytics"
)

// getForecast returns the ensemble forecast for the next ?hours=N hours
func (s *Server) getForecast(w http.ResponseWriter, r *http.Request) {
	horizon, err := intParam(r.URL.Query().Get("hours"), s.cfg.Forecasting.DefaultHorizon)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid hours: %v", err), http.StatusBadRequest)
		return
	}
	if horizon == 0 || horizon > s.cfg.Forecasting.MaxHorizon {
		http.Error(w, fmt.Sprintf("hours must be between 1 and %d", s.cfg.Forecasting.MaxHorizon), http.StatusBadRequest)
		return
	}

	series, err := s.forecasts.Forecast(r.Context(), horizon)
	if err != nil {
		s.logger.WithError(err).WithField("horizon", horizon).Error("forecast failed")
		http.Error(w, fmt.Sprintf("Failed to generate forecast: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, series)
}

// forecastStatus reports the cached ensemble state
func (s *Server) forecastStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.forecasts.Status())
}

// refreshForecast drops cached models so the next request retrains
func (s *Server) refreshForecast(w http.ResponseWriter, r *http.Request) {
	s.forecasts.Refresh()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Forecast models will be retrained on the next request",
		"model":   s.forecasts.Status(),
	})
}

// getUtilization summarises the latest ?window_hours window
func (s *Server) getUtilization(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query().Get("window_hours"), s.cfg.Analytics.WindowHours)
	if err != nil || hours == 0 {
		http.Error(w, "window_hours must be a positive integer", http.StatusBadRequest)
		return
	}

	report := analytics.ComputeUtilization(s.storage.Events(), time.Duration(hours)*time.Hour)
	writeJSON(w, http.StatusOK, report)
}

// getTrend returns hourly average occupancy for ?station (all when empty)
func (s *Server) getTrend(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	hours, err := intParam(query.Get("hours"), 24)
	if err != nil || hours == 0 {
		http.Error(w, "hours must be a positive integer", http.StatusBadRequest)
		return
	}

	station := query.Get("station")
	trend := analytics.HourlyTrend(s.storage.Events(), station, hours, s.location())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"station": station,
		"points":  trend,
	})
}

// getHeatmap returns the weekday by hour occupancy grid
func (s *Server) getHeatmap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, analytics.WeeklyHeatmap(s.storage.Events(), s.location()))
}

// getAlerts returns demand anomalies and queue saturation alerts
func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := analytics.DemandAlerts(s.storage.Events(), analytics.AlertConfigFrom(s.cfg.Analytics))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) location() *time.Location {
	loc, err := time.LoadLocation(s.cfg.Forecasting.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
