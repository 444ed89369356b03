package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sandrolain/mqtt-relay/src/models"
	"gorm.io/gorm/clause"
)

// EnsureDispatch creates the dispatch row for (extraction, destination) or
// loads the existing one, so retried messages reuse their delivery state.
// The returned bool reports whether the row was created by this call.
func (s *Store) EnsureDispatch(ctx context.Context, dispatch *models.Dispatch) (*models.Dispatch, bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "extraction_id"}, {Name: "destination_id"}},
		DoNothing: true,
	}).Create(dispatch)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create dispatch: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return dispatch, true, nil
	}

	var existing models.Dispatch
	load := s.db.WithContext(ctx).
		Where("extraction_id = ? AND destination_id = ?", dispatch.ExtractionID, dispatch.DestinationID).
		Limit(1).
		Find(&existing)
	if load.Error != nil {
		return nil, false, fmt.Errorf("failed to load dispatch: %w", load.Error)
	}
	if load.RowsAffected == 0 {
		return nil, false, fmt.Errorf("dispatch for extraction %s destination #%d vanished after conflict", dispatch.ExtractionID, dispatch.DestinationID)
	}
	return &existing, false, nil
}

// UpdateDispatch writes the row's mutable fields guarded by the status the
// caller last observed. A false return means another run moved the row
// first and this update was discarded.
func (s *Store) UpdateDispatch(ctx context.Context, dispatch *models.Dispatch, seen models.DispatchStatus) (bool, error) {
	dispatch.UpdatedAt = time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&models.Dispatch{}).
		Where("id = ? AND status = ?", dispatch.ID, seen).
		Updates(map[string]any{
			"status":           dispatch.Status,
			"http_status":      dispatch.HTTPStatus,
			"response_snippet": dispatch.ResponseSnippet,
			"attempts":         dispatch.Attempts,
			"next_retry_at":    dispatch.NextRetryAt,
			"sent_at":          dispatch.SentAt,
			"updated_at":       dispatch.UpdatedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update dispatch %s: %w", dispatch.ID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DueRetries returns retrying dispatches whose backoff has elapsed.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]models.Dispatch, error) {
	var dispatches []models.Dispatch
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", models.DispatchStatusRetrying, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&dispatches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due retries: %w", err)
	}
	return dispatches, nil
}

// DispatchesForExtraction lists every delivery attempt of one extraction.
func (s *Store) DispatchesForExtraction(ctx context.Context, extractionID uuid.UUID) ([]models.Dispatch, error) {
	var dispatches []models.Dispatch
	err := s.db.WithContext(ctx).
		Where("extraction_id = ?", extractionID).
		Find(&dispatches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatches for extraction %s: %w", extractionID, err)
	}
	return dispatches, nil
}
