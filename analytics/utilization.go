package analytics

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"ev-demand-analytics-engine/storage"
)

// Energy and revenue assumptions applied to charging sessions
const (
	EnergyPerSessionKWh = 6.2
	RevenuePerKWh       = 0.45
)

// UtilizationReport summarises one window of events against the window
// immediately before it. Changes are percent differences; a change against
// an empty previous window is 0.
type UtilizationReport struct {
	WindowHours       int       `json:"window_hours"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	Events            int       `json:"events"`
	AvgUtilization    float64   `json:"avg_utilization_pct"`
	UtilizationChange float64   `json:"utilization_change_pct"`
	TotalSessions     int       `json:"total_sessions"`
	SessionsChange    float64   `json:"sessions_change_pct"`
	EnergyKWh         float64   `json:"energy_delivered_kwh"`
	Revenue           float64   `json:"revenue"`
	RevenueChange     float64   `json:"revenue_change_pct"`
	TotalVehicles     int       `json:"total_vehicles"`
	AvgQueue          float64   `json:"avg_queue_length"`
}

type periodTotals struct {
	events    int
	occupancy []float64
	queue     []float64
	sessions  int
	vehicles  int
}

// ComputeUtilization reports on the window ending at the latest event
func ComputeUtilization(events []storage.Event, window time.Duration) UtilizationReport {
	report := UtilizationReport{WindowHours: int(window / time.Hour)}
	if len(events) == 0 || window <= 0 {
		return report
	}

	end := latest(events)
	start := end.Add(-window)
	prevStart := start.Add(-window)

	var cur, prev periodTotals
	for _, e := range events {
		switch {
		case e.Timestamp.After(start) && !e.Timestamp.After(end):
			cur.add(e)
		case e.Timestamp.After(prevStart) && !e.Timestamp.After(start):
			prev.add(e)
		}
	}

	report.PeriodStart = start
	report.PeriodEnd = end
	report.Events = cur.events
	report.AvgUtilization = cur.utilization()
	report.TotalSessions = cur.sessions
	report.EnergyKWh = float64(cur.sessions) * EnergyPerSessionKWh
	report.Revenue = report.EnergyKWh * RevenuePerKWh
	report.TotalVehicles = cur.vehicles
	if len(cur.queue) > 0 {
		report.AvgQueue = stat.Mean(cur.queue, nil)
	}

	if prev.events > 0 {
		prevRevenue := float64(prev.sessions) * EnergyPerSessionKWh * RevenuePerKWh
		report.UtilizationChange = percentChange(prev.utilization(), report.AvgUtilization)
		report.SessionsChange = percentChange(float64(prev.sessions), float64(cur.sessions))
		report.RevenueChange = percentChange(prevRevenue, report.Revenue)
	}
	return report
}

func (p *periodTotals) add(e storage.Event) {
	p.events++
	p.occupancy = append(p.occupancy, e.OccupancyRate)
	p.queue = append(p.queue, float64(e.QueueLength))
	p.sessions += e.SessionCount
	p.vehicles += e.VehicleCount
}

func (p *periodTotals) utilization() float64 {
	if len(p.occupancy) == 0 {
		return 0
	}
	return stat.Mean(p.occupancy, nil) * 100
}

func percentChange(prev, cur float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / prev * 100
}

func latest(events []storage.Event) time.Time {
	end := events[0].Timestamp
	for _, e := range events[1:] {
		if e.Timestamp.After(end) {
			end = e.Timestamp
		}
	}
	return end
}

// TrendPoint is the average occupancy of one hour
type TrendPoint struct {
	Hour        time.Time `json:"hour"`
	Label       string    `json:"label"`
	Utilization float64   `json:"utilization_pct"`
	Samples     int       `json:"samples"`
}

// HourlyTrend returns one point per hour for the hours ending at the latest
// event of station (all stations when empty). Hours with no events are 0.
// Buckets follow wall-clock hours in loc (UTC when nil).
func HourlyTrend(events []storage.Event, station string, hours int, loc *time.Location) []TrendPoint {
	if loc == nil {
		loc = time.UTC
	}
	if hours <= 0 {
		return []TrendPoint{}
	}

	var selected []storage.Event
	for _, e := range events {
		if station == "" || e.StationID == station {
			selected = append(selected, e)
		}
	}
	if len(selected) == 0 {
		return []TrendPoint{}
	}

	end := hourStart(latest(selected), loc)
	start := end.Add(-time.Duration(hours-1) * time.Hour)

	sums := make([]float64, hours)
	counts := make([]int, hours)
	for _, e := range selected {
		h := hourStart(e.Timestamp, loc)
		if h.Before(start) {
			continue
		}
		i := int(h.Sub(start) / time.Hour)
		sums[i] += e.OccupancyRate
		counts[i]++
	}

	points := make([]TrendPoint, hours)
	for i := range points {
		hour := start.Add(time.Duration(i) * time.Hour).In(loc)
		points[i] = TrendPoint{Hour: hour, Label: hour.Format("15:04"), Samples: counts[i]}
		if counts[i] > 0 {
			points[i].Utilization = sums[i] / float64(counts[i]) * 100
		}
	}
	return points
}

// hourStart drops the local minutes of t; Truncate would align to UTC hours
func hourStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	offset := time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return local.Add(-offset)
}

// Heatmap holds the mean occupancy percentage for each weekday and hour.
// Days are indexed Monday = 0.
type Heatmap struct {
	Days    []string       `json:"days"`
	Cells   [7][24]float64 `json:"cells"`
	Samples [7][24]int     `json:"samples"`
}

var weekdayNames = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// WeeklyHeatmap averages occupancy into a 7x24 grid in loc (UTC when nil)
func WeeklyHeatmap(events []storage.Event, loc *time.Location) Heatmap {
	if loc == nil {
		loc = time.UTC
	}
	hm := Heatmap{Days: weekdayNames}

	var sums [7][24]float64
	for _, e := range events {
		local := e.Timestamp.In(loc)
		d := (int(local.Weekday()) + 6) % 7
		h := local.Hour()
		sums[d][h] += e.OccupancyRate
		hm.Samples[d][h]++
	}
	for d := range sums {
		for h := range sums[d] {
			if n := hm.Samples[d][h]; n > 0 {
				hm.Cells[d][h] = math.Round(sums[d][h]/float64(n)*1000) / 10
			}
		}
	}
	return hm
}

// HourlyTotals sums vehicle counts across stations per UTC hour
func HourlyTotals(events []storage.Event) []HourlyPoint {
	totals := make(map[time.Time]float64)
	for _, e := range events {
		totals[e.Timestamp.UTC().Truncate(time.Hour)] += float64(e.VehicleCount)
	}

	points := make([]HourlyPoint, 0, len(totals))
	for ts, v := range totals {
		points = append(points, HourlyPoint{Timestamp: ts, Value: v})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points
}
