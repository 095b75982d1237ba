package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tinytelemetry/beacon/internal/model"
)

var (
	ErrAttemptNotFound = errors.New("enrich: no completed attempt for run")
	ErrStageNotFound   = errors.New("enrich: no completed stage for attempt")
)

const stageCompleted = "COMPLETED"

type application struct {
	ID       string    `json:"id"`
	Attempts []attempt `json:"attempts"`
}

type attempt struct {
	AttemptID    string `json:"attemptId"`
	EndTimeEpoch int64  `json:"endTimeEpoch"`
	Completed    bool   `json:"completed"`
}

type stage struct {
	Status        string `json:"status"`
	InputRecords  int    `json:"inputRecords"`
	OutputRecords int    `json:"outputRecords"`
	InputBytes    int64  `json:"inputBytes"`
	OutputBytes   int64  `json:"outputBytes"`
}

// ExtractAttemptID finds runID in an applications listing and returns the
// completed attempt with the earliest end time.
func ExtractAttemptID(body []byte, runID string) (string, error) {
	var apps []application
	if err := json.Unmarshal(body, &apps); err != nil {
		return "", fmt.Errorf("enrich: decode applications: %w", err)
	}
	for _, app := range apps {
		if app.ID != runID {
			continue
		}
		attempts := append([]attempt(nil), app.Attempts...)
		sort.SliceStable(attempts, func(i, j int) bool {
			return attempts[i].EndTimeEpoch < attempts[j].EndTimeEpoch
		})
		for _, a := range attempts {
			if a.Completed {
				return a.AttemptID, nil
			}
		}
		break
	}
	return "", ErrAttemptNotFound
}

// ExtractMetrics returns the counts of the first completed stage, or
// NullMetrics when no stage has completed. Later completed stages are not
// summed in.
func ExtractMetrics(body []byte) (model.ExecutionMetrics, error) {
	var stages []stage
	if err := json.Unmarshal(body, &stages); err != nil {
		return model.EmptyMetrics(), fmt.Errorf("enrich: decode stages: %w", err)
	}
	for _, s := range stages {
		if s.Status == stageCompleted {
			return model.ExecutionMetrics{
				InputRecords:  s.InputRecords,
				OutputRecords: s.OutputRecords,
				InputBytes:    s.InputBytes,
				OutputBytes:   s.OutputBytes,
			}, nil
		}
	}
	return model.NullMetrics(), nil
}
