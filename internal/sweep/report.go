package sweep

import (
	"context"
	"errors"
	"time"

	"propline/internal/domain"
	"propline/internal/repo"
)

// ProjectStatus is one row of the status report.
type ProjectStatus struct {
	ProjectID          string  `json:"project_id"`
	ClientName         string  `json:"client_name"`
	Stage              string  `json:"stage"`
	IdleDays           int     `json:"idle_days"`
	Deadline           *string `json:"deadline,omitempty"`
	Awaiting           string  `json:"awaiting,omitempty"`
	PendingValidations int     `json:"pending_validations"`
}

// Report describes every open project at one instant, for the daily digest
// and the status command.
type Report struct {
	GeneratedAt string          `json:"generated_at"`
	Projects    []ProjectStatus `json:"projects"`
	LastSweepAt string          `json:"last_sweep_at,omitempty"`
}

// Status builds the report. Read-only.
func (s Sweeper) Status(ctx context.Context) (Report, error) {
	now := s.now().UTC()
	report := Report{GeneratedAt: now.Format(time.RFC3339)}

	if last, err := s.Repo.SweepLastRun(ctx, s.Config.Sweep.JobName); err == nil && !last.IsZero() {
		report.LastSweepAt = last.UTC().Format(time.RFC3339)
	}

	projects, err := s.Repo.ListOpenProjects(ctx)
	if err != nil {
		return report, err
	}
	for _, p := range projects {
		row := ProjectStatus{
			ProjectID:  p.ID,
			ClientName: p.ClientName,
			Stage:      p.Stage,
			Deadline:   p.Deadline,
		}
		if last, err := time.Parse(time.RFC3339, p.LastActivityAt); err == nil {
			row.IdleDays = int(now.Sub(last).Hours() / 24)
		}
		if cont, err := s.Repo.LiveContinuationForProject(ctx, p.ID); err == nil {
			row.Awaiting = cont.Awaiting
		} else if !errors.Is(err, repo.ErrNotFound) {
			return report, err
		}
		validations, err := s.Repo.ListValidationsByProject(ctx, p.ID)
		if err != nil {
			return report, err
		}
		for _, v := range validations {
			if v.Status == domain.ValidationPending {
				row.PendingValidations++
			}
		}
		report.Projects = append(report.Projects, row)
	}
	return report, nil
}
