package ml

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned by Train when the dataset is too short for the model
	ErrInsufficientData = errors.New("insufficient training data")
	// ErrNotTrained is returned by Predict before a successful Train
	ErrNotTrained = errors.New("model not trained")
)

// Model names reported in forecast output
const (
	ModelSeasonal = "seasonal"
	ModelTree     = "tree"
	ModelSequence = "sequence"
	ModelEnsemble = "ensemble"
)

// Forecaster is a point forecaster producing one value per future hour
// after the last timestamp of its training dataset.
type Forecaster interface {
	Name() string
	Train(ds *Dataset) error
	Predict(horizon int) ([]float64, error)
}

func insufficient(have, need int) error {
	return fmt.Errorf("%w: have %d rows, need at least %d", ErrInsufficientData, have, need)
}

func checkHorizon(horizon int) error {
	if horizon < 0 {
		return fmt.Errorf("horizon must not be negative, got %d", horizon)
	}
	return nil
}
