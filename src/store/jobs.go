package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sandrolain/mqtt-relay/src/models"
)

// JobByName returns the named job row, or (nil, nil) when absent.
func (s *Store) JobByName(ctx context.Context, name string) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).Where("name = ?", name).Limit(1).Find(&job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load job %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job %q: %w", job.Name, err)
	}
	return nil
}

// TransitionJob moves the named job from one state to another guarded by the
// state the caller observed. A false return means another process won the
// transition.
func (s *Store) TransitionJob(ctx context.Context, name string, from, to models.JobState, exitCode *int) (bool, error) {
	updates := map[string]any{
		"state":             to,
		"last_state_update": time.Now().UTC(),
	}
	if exitCode != nil {
		updates["last_exit_code"] = *exitCode
	}
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("name = ? AND state = ?", name, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition job %q: %w", name, result.Error)
	}
	return result.RowsAffected > 0, nil
}
