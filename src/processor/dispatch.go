package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/destel/rill"
	"github.com/google/uuid"
	"github.com/sandrolain/mqtt-relay/src/dispatchers"
	"github.com/sandrolain/mqtt-relay/src/models"
)

// dispatchDeposits fans the extraction's points out to every deposit of the
// selected rule and reports whether all of them have confirmed delivery,
// counting this run and earlier ones.
func (p *Processor) dispatchDeposits(ctx context.Context, extraction *models.Extraction, rule *models.RoutingRule, points []models.Point, sum *Summary) (bool, error) {
	deposits, err := p.store.DepositsForRule(ctx, rule.ID)
	if err != nil {
		return false, err
	}
	if len(deposits) == 0 {
		return true, nil
	}

	var mu sync.Mutex
	allSent := true
	failures := 0

	err = rill.ForEach(rill.FromSlice(deposits, nil), p.config.DepositConcurrency, func(dep models.RouteDeposit) error {
		sent, err := p.dispatchOne(ctx, extraction, rule, dep, points)
		if err != nil {
			return err
		}
		mu.Lock()
		if !sent {
			allSent = false
			failures++
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return false, err
	}

	sum.DispatchFailures += failures
	return allSent, nil
}

// dispatchOne delivers to a single deposit destination through its
// idempotent dispatch row.
func (p *Processor) dispatchOne(ctx context.Context, extraction *models.Extraction, rule *models.RoutingRule, dep models.RouteDeposit, points []models.Point) (bool, error) {
	row, fresh, err := p.store.EnsureDispatch(ctx, &models.Dispatch{
		ID:            uuid.New(),
		ExtractionID:  extraction.ID,
		DestinationID: dep.DestinationID,
		RuleID:        rule.ID,
		Status:        models.DispatchStatusQueued,
		Attempts:      1,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return false, err
	}
	if row.Terminal() {
		return row.Status == models.DispatchStatusSent, nil
	}
	if !fresh && row.Status == models.DispatchStatusRetrying {
		// The retry sweep owns scheduled rows.
		return false, nil
	}

	seen := row.Status
	if !fresh {
		row.Attempts++
	}

	res, err := p.deliver(ctx, row.DestinationID, points)
	if err != nil {
		return false, err
	}
	return p.applyResult(ctx, row, seen, res)
}

// sweepRetries re-executes dispatch rows whose retry window has opened,
// using the stored extraction points.
func (p *Processor) sweepRetries(ctx context.Context, sum *Summary) error {
	rows, err := p.store.DueRetries(ctx, time.Now().UTC(), p.config.BatchSize)
	if err != nil {
		return err
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		sum.RetriesSwept++
		row := &rows[i]
		seen := row.Status
		row.Attempts++

		points, err := p.pointsForExtraction(ctx, row.ExtractionID)
		if err != nil {
			return err
		}
		res, err := p.deliver(ctx, row.DestinationID, points)
		if err != nil {
			return err
		}
		sent, err := p.applyResult(ctx, row, seen, res)
		if err != nil {
			return err
		}
		if !sent {
			sum.DispatchFailures++
		}
	}
	return nil
}

// deliver loads the destination and executes its dispatcher. Destination
// problems come back as results, never as errors.
func (p *Processor) deliver(ctx context.Context, destinationID int, points []models.Point) (*dispatchers.Result, error) {
	dest, err := p.store.DestinationByID(ctx, destinationID)
	if err != nil {
		return nil, err
	}
	if dest == nil || !dest.Active {
		return dispatchers.Failed("destination unavailable"), nil
	}

	password := ""
	if len(dest.PasswordEnc) > 0 {
		if p.keyring == nil {
			return nil, fmt.Errorf("destination #%d holds an encrypted credential but no keyring is configured", dest.ID)
		}
		plain, err := p.keyring.DecryptSecret(ctx, string(dest.PasswordEnc), dest.EncryptionVersion)
		if err != nil {
			return dispatchers.Failed(fmt.Sprintf("credential decrypt failed: %v", err)), nil
		}
		password = string(plain)
	}

	resCh := make(chan *dispatchers.Result, 1)
	callback := func(r *dispatchers.Result) {
		select {
		case resCh <- r:
		default:
		}
	}

	d, err := p.factory(dest, password, callback)
	if err != nil {
		return dispatchers.Failed(err.Error()), nil
	}
	defer func() { _ = d.Close() }()

	res, err := d.Dispatch(ctx, points)
	if err != nil {
		return dispatchers.Failed(err.Error()), nil
	}
	if !d.Asynchronous() {
		return res, nil
	}

	select {
	case r := <-resCh:
		return r, nil
	case <-ctx.Done():
		return dispatchers.Retrying("cancelled before async completion"), nil
	case <-time.After(asyncResultTimeout):
		return dispatchers.Retrying("no async completion within timeout"), nil
	}
}

// applyResult advances the dispatch row from the state the caller saw.
// Retrying escalates to dead once the attempts exceed MaxAttempts.
func (p *Processor) applyResult(ctx context.Context, row *models.Dispatch, seen models.DispatchStatus, res *dispatchers.Result) (bool, error) {
	now := time.Now().UTC()

	row.HTTPStatus = nil
	if res.HTTPStatus != 0 {
		status := res.HTTPStatus
		row.HTTPStatus = &status
	}
	row.ResponseSnippet = res.ResponseSnippet
	row.NextRetryAt = nil

	switch res.Status {
	case models.DispatchStatusSent:
		row.Status = models.DispatchStatusSent
		row.SentAt = &now
	case models.DispatchStatusRetrying:
		if row.Attempts > p.config.MaxAttempts {
			row.Status = models.DispatchStatusDead
			p.log.Warn("dispatch exhausted its attempts", "dispatch", row.ID, "attempts", row.Attempts)
		} else {
			next := now.Add(p.backoffFor(row.Attempts))
			row.Status = models.DispatchStatusRetrying
			row.NextRetryAt = &next
		}
	default:
		row.Status = models.DispatchStatusFailed
	}

	ok, err := p.store.UpdateDispatch(ctx, row, seen)
	if err != nil {
		return false, err
	}
	if !ok {
		// Another process advanced this row; leave theirs standing.
		p.log.Warn("dispatch state advanced elsewhere", "dispatch", row.ID, "seen", seen)
		return false, nil
	}
	if row.Status != models.DispatchStatusSent {
		p.log.Warn("dispatch not delivered",
			"dispatch", row.ID,
			"status", row.Status,
			"attempts", row.Attempts,
			"snippet", res.ResponseSnippet)
	}
	return row.Status == models.DispatchStatusSent, nil
}
