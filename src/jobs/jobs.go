// Package jobs provides the cross-process mutual exclusion guard built on
// the singleton job row.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandrolain/mqtt-relay/src/models"
)

// JobMqttTransfer is the processor's job name.
const JobMqttTransfer = "MqttTransfer"

// Exit code conventions for guarded runs.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitPartialFailure = 2
)

// ErrAlreadyRunning is returned by Acquire when another process holds the
// job. Callers treat it as a no-op exit.
var ErrAlreadyRunning = errors.New("job already running")

// JobStore is the slice of the persistence layer the guard needs.
type JobStore interface {
	JobByName(ctx context.Context, name string) (*models.Job, error)
	CreateJob(ctx context.Context, job *models.Job) error
	// TransitionJob moves the job between states guarded by the state the
	// caller observed; false means another process won the transition.
	TransitionJob(ctx context.Context, name string, from, to models.JobState, exitCode *int) (bool, error)
}

// Guard serializes runs of one named job across processes through
// snapshot-guarded state transitions on its row.
type Guard struct {
	store JobStore
	name  string
	log   *slog.Logger
}

func NewGuard(store JobStore, name string) *Guard {
	return &Guard{
		store: store,
		name:  name,
		log:   slog.Default().With("context", "JOBS", "job", name),
	}
}

// Acquire moves the job to RUNNING. ErrAlreadyRunning means another
// process holds it, including losing the transition race to one.
func (g *Guard) Acquire(ctx context.Context) error {
	job, err := g.store.JobByName(ctx, g.name)
	if err != nil {
		return err
	}
	if job == nil {
		job = &models.Job{
			Name:            g.name,
			State:           models.JobStateIdle,
			LastStateUpdate: time.Now().UTC(),
		}
		if err := g.store.CreateJob(ctx, job); err != nil {
			// Lost the creation race; re-read and fall through to the
			// guarded transition.
			job, err = g.store.JobByName(ctx, g.name)
			if err != nil {
				return err
			}
			if job == nil {
				return fmt.Errorf("job %q vanished after create conflict", g.name)
			}
		}
	}
	if job.State == models.JobStateRunning {
		g.log.Warn("already running, skipping run")
		return ErrAlreadyRunning
	}

	won, err := g.store.TransitionJob(ctx, g.name, models.JobStateIdle, models.JobStateRunning, nil)
	if err != nil {
		return err
	}
	if !won {
		g.log.Warn("already running, skipping run")
		return ErrAlreadyRunning
	}
	return nil
}

// Release returns the job to IDLE and records the run's exit code.
func (g *Guard) Release(ctx context.Context, exitCode int) error {
	won, err := g.store.TransitionJob(ctx, g.name, models.JobStateRunning, models.JobStateIdle, &exitCode)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("job %q was not RUNNING at release", g.name)
	}
	return nil
}
