package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/worldland/gpu-fleet/internal/domain"
)

func (s *Store) CreateExperiment(ctx context.Context, exp *Experiment) error {
	if err := s.db.WithContext(ctx).Create(exp).Error; err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	return nil
}

// GetExperiment returns the experiment or ErrNotFound.
func (s *Store) GetExperiment(ctx context.Context, id int64) (*Experiment, error) {
	var exp Experiment
	err := s.db.WithContext(ctx).First(&exp, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment %d: %w", id, err)
	}
	return &exp, nil
}

// ListExperiments returns all experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context) ([]Experiment, error) {
	var exps []Experiment
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&exps).Error; err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	return exps, nil
}

// TransitionExperiment moves an experiment to status `to` only if its current
// status is an allowed predecessor. The check and the write are one statement,
// so racing callbacks cannot move a job backward. Returns whether a row changed.
func (s *Store) TransitionExperiment(ctx context.Context, id int64, to domain.JobStatus, now time.Time) (bool, error) {
	preds := to.Predecessors()
	if len(preds) == 0 {
		return false, nil
	}
	from := make([]string, len(preds))
	for i, p := range preds {
		from[i] = string(p)
	}

	updates := map[string]any{"status": string(to)}
	if to == domain.JobRunning {
		updates["started_at"] = now
	}
	if to.Terminal() {
		updates["ended_at"] = now
	}

	res := s.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update experiment %d status: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AppendExperimentLog appends text to the log in one atomic UPDATE.
// Returns false when no experiment has that id.
func (s *Store) AppendExperimentLog(ctx context.Context, id int64, text string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Experiment{}).
		Where("id = ?", id).
		Update("log", gorm.Expr("log || ?", text))
	if res.Error != nil {
		return false, fmt.Errorf("failed to append log for experiment %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}
