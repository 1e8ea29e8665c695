package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/sage/pkg/metricstore"
	"github.com/Ramsey-B/sage/pkg/models"
)

// seedManualTemplate marks values loaded by an operator rather than a sync.
const seedManualTemplate = "manual"

// seedFile is the YAML layout accepted by `sage metrics seed`:
//
//	workspace_id: 6f1c2b9e-3d4a-4e5f-8a7b-9c0d1e2f3a4b
//	currency: USD
//	metrics:
//	  - metric_id: headcount
//	    unit: count
//	    values:
//	      2024-01: 12
//	      2024-02: 14
type seedFile struct {
	WorkspaceID string       `yaml:"workspace_id"`
	Currency    string       `yaml:"currency"`
	Series      []seedSeries `yaml:"metrics"`

	Metrics []models.CanonicalMetric `yaml:"-"`
}

type seedSeries struct {
	MetricID string             `yaml:"metric_id"`
	Unit     string             `yaml:"unit"`
	Currency string             `yaml:"currency"`
	Values   map[string]float64 `yaml:"values"`
}

func parseSeedFile(r io.Reader) (*seedFile, error) {
	var seed seedFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}

	for _, series := range seed.Series {
		id := strings.TrimSpace(series.MetricID)
		if id == "" {
			return nil, errors.New("invalid seed file: metric_id is required")
		}
		unit := models.MetricUnit(series.Unit)
		if unit != "" && !unit.Valid() {
			return nil, fmt.Errorf("invalid seed file: metric %s has unknown unit %q", id, series.Unit)
		}
		currency := series.Currency
		if currency == "" {
			currency = seed.Currency
		}

		for raw, value := range series.Values {
			period, err := metricstore.ParsePeriod(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid seed file: metric %s: %w", id, err)
			}
			seed.Metrics = append(seed.Metrics, models.CanonicalMetric{
				MetricID:       id,
				Period:         period,
				Value:          value,
				Unit:           unit,
				Currency:       currency,
				SourceTemplate: seedManualTemplate,
			})
		}
	}

	if len(seed.Metrics) == 0 {
		return nil, errors.New("invalid seed file: no metric values")
	}
	return &seed, nil
}

// workspace returns the flag value when set, else the file's workspace_id.
func (s *seedFile) workspace(override string) (uuid.UUID, error) {
	raw := override
	if raw == "" {
		raw = s.WorkspaceID
	}
	if raw == "" {
		return uuid.Nil, errors.New("a workspace is required: set --workspace or workspace_id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid workspace %q: %w", raw, err)
	}
	return id, nil
}
