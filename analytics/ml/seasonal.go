package ml

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"ev-demand-analytics-engine/config"
)

const (
	hoursPerDay  = 24.0
	hoursPerWeek = 168.0
)

// SeasonalModel is an additive linear trend plus daily and weekly Fourier
// seasonality, fit by ridge-regularised least squares on the full series.
// The intercept and trend are not penalised.
type SeasonalModel struct {
	dailyOrder  int
	weeklyOrder int
	ridge       float64

	origin  time.Time
	last    time.Time
	coef    *mat.VecDense
	trained bool
}

// NewSeasonalModel creates a seasonal model from configuration
func NewSeasonalModel(cfg config.SeasonalConfig) *SeasonalModel {
	return &SeasonalModel{
		dailyOrder:  cfg.DailyOrder,
		weeklyOrder: cfg.WeeklyOrder,
		ridge:       cfg.Ridge,
	}
}

func (m *SeasonalModel) Name() string { return ModelSeasonal }

// Train fits the model on every row of the full table, including the rows
// dropped from the training table.
func (m *SeasonalModel) Train(ds *Dataset) error {
	m.trained = false
	rows := ds.Full
	if len(rows) < 2 {
		return insufficient(len(rows), 2)
	}

	m.origin = rows[0].Timestamp
	m.last = rows[len(rows)-1].Timestamp

	p := m.numColumns()
	X := mat.NewDense(len(rows), p, nil)
	y := mat.NewVecDense(len(rows), nil)
	for i, r := range rows {
		X.SetRow(i, m.design(r.Timestamp))
		y.SetVec(i, r.VehicleCount)
	}

	// (XᵀX + Λ) β = Xᵀy
	var gram mat.SymDense
	gram.SymOuterK(1, X.T())
	for j := 2; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+m.ridge)
	}

	var rhs mat.VecDense
	rhs.MulVec(X.T(), y)

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return fmt.Errorf("seasonal design matrix is not positive definite")
	}

	coef := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(coef, &rhs); err != nil {
		return fmt.Errorf("failed to solve seasonal system: %w", err)
	}

	m.coef = coef
	m.trained = true
	return nil
}

// Predict evaluates the fitted function at the next horizon hourly steps
func (m *SeasonalModel) Predict(horizon int) ([]float64, error) {
	if !m.trained {
		return nil, ErrNotTrained
	}
	if err := checkHorizon(horizon); err != nil {
		return nil, err
	}

	out := make([]float64, horizon)
	for h := 0; h < horizon; h++ {
		ts := m.last.Add(time.Duration(h+1) * time.Hour)
		row := mat.NewVecDense(m.numColumns(), m.design(ts))
		out[h] = mat.Dot(row, m.coef)
	}
	return out, nil
}

// Components returns the fitted trend and seasonal parts at ts
func (m *SeasonalModel) Components(ts time.Time) (trend, daily, weekly float64, err error) {
	if !m.trained {
		return 0, 0, 0, ErrNotTrained
	}
	row := m.design(ts)
	trend = m.coef.AtVec(0) + m.coef.AtVec(1)*row[1]
	col := 2
	for k := 0; k < 2*m.dailyOrder; k++ {
		daily += m.coef.AtVec(col) * row[col]
		col++
	}
	for k := 0; k < 2*m.weeklyOrder; k++ {
		weekly += m.coef.AtVec(col) * row[col]
		col++
	}
	return trend, daily, weekly, nil
}

func (m *SeasonalModel) numColumns() int {
	return 2 + 2*m.dailyOrder + 2*m.weeklyOrder
}

// design returns [1, t_days, daily sin/cos..., weekly sin/cos...] for ts.
// Seasonal phases use absolute hours so they do not depend on the origin.
func (m *SeasonalModel) design(ts time.Time) []float64 {
	row := make([]float64, 0, m.numColumns())
	row = append(row, 1, ts.Sub(m.origin).Hours()/hoursPerDay)

	abs := float64(ts.Unix()) / 3600
	for k := 1; k <= m.dailyOrder; k++ {
		angle := 2 * math.Pi * float64(k) * abs / hoursPerDay
		row = append(row, math.Sin(angle), math.Cos(angle))
	}
	for k := 1; k <= m.weeklyOrder; k++ {
		angle := 2 * math.Pi * float64(k) * abs / hoursPerWeek
		row = append(row, math.Sin(angle), math.Cos(angle))
	}
	return row
}
