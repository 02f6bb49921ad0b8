package jobfsm

import (
	"testing"

	"github.com/protortyp/melon/internal/model"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    model.JobStatus
		to      model.JobStatus
		wantErr bool
	}{
		{"Pending to Running", model.JobPending, model.JobRunning, false},
		{"Pending to Failed (cancel)", model.JobPending, model.JobFailed, false},
		{"Running to Completed", model.JobRunning, model.JobCompleted, false},
		{"Running to Failed", model.JobRunning, model.JobFailed, false},
		{"Running to Timeout", model.JobRunning, model.JobTimeout, false},
		{"Running to Running (extension)", model.JobRunning, model.JobRunning, false},

		{"Pending to Completed", model.JobPending, model.JobCompleted, true},
		{"Pending to Timeout", model.JobPending, model.JobTimeout, true},
		{"Completed to Running", model.JobCompleted, model.JobRunning, true},
		{"Completed to anything", model.JobCompleted, model.JobFailed, true},
		{"Failed to Running", model.JobFailed, model.JobRunning, true},
		{"Timeout to Running", model.JobTimeout, model.JobRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []model.JobStatus{model.JobCompleted, model.JobFailed, model.JobTimeout}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%v) = false, want true", s)
		}
	}

	nonTerminal := []model.JobStatus{model.JobPending, model.JobRunning}
	for _, s := range nonTerminal {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%v) = true, want false", s)
		}
	}
}
