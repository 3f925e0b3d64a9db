package models

import "time"

// TrainingRun is the append-only metadata row written per completed training run.
type TrainingRun struct {
	RunID       string    `json:"run_id" db:"run_id"`
	ModelName   string    `json:"model_name" db:"model_name"`
	MAE         float64   `json:"mae" db:"mae"`
	RMSE        float64   `json:"rmse" db:"rmse"`
	R2          float64   `json:"r2" db:"r2"`
	TrainRows   int       `json:"train_rows" db:"train_rows"`
	ValidRows   int       `json:"valid_rows" db:"valid_rows"`
	ScoredAt    time.Time `json:"scored_at" db:"scored_at"`
	PipelineSHA string    `json:"pipeline_sha" db:"pipeline_sha"`
}

// CandidateMetrics holds the validation scores of one model family's best configuration.
type CandidateMetrics struct {
	Model      string             `json:"model"`
	MAE        float64            `json:"mae"`
	RMSE       float64            `json:"rmse"`
	R2         float64            `json:"r2"`
	BestParams map[string]float64 `json:"best_params,omitempty"` // nil when the search fell back to defaults
	Fallback   bool               `json:"fallback"`
}

// PredictionRecord is one appended row of scored output.
type PredictionRecord struct {
	ID                  string    `json:"id" db:"id"`
	ListingID           string    `json:"listing_id" db:"listing_id"`
	PredictedPriceTotal float64   `json:"predicted_price_total" db:"predicted_price_total"`
	ScoredAt            time.Time `json:"scored_at" db:"scored_at"`
	ModelPath           string    `json:"model_path" db:"model_path"`
}
