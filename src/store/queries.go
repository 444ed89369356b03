package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sandrolain/mqtt-relay/src/models"
	"gorm.io/gorm/clause"
)

// InsertMessage stores one inbound frame.
func (s *Store) InsertMessage(ctx context.Context, msg *models.MqttMessage) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// UnprocessedMessages returns up to limit unprocessed frames ordered by id.
func (s *Store) UnprocessedMessages(ctx context.Context, limit int) ([]models.MqttMessage, error) {
	var messages []models.MqttMessage
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed messages: %w", err)
	}
	return messages, nil
}

// FinalizeMessage stamps the extraction that handled a message and whether
// every deposit confirmed delivery.
func (s *Store) FinalizeMessage(ctx context.Context, messageID int, processor uuid.UUID, processed bool) error {
	err := s.db.WithContext(ctx).Model(&models.MqttMessage{}).
		Where("id = ?", messageID).
		Updates(map[string]any{"processor": processor, "processed": processed}).Error
	if err != nil {
		return fmt.Errorf("failed to finalize message #%d: %w", messageID, err)
	}
	return nil
}

func (s *Store) MessageByID(ctx context.Context, id int) (*models.MqttMessage, error) {
	var msg models.MqttMessage
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&msg)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load message #%d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &msg, nil
}

// TopicByName returns the topic row for an exact topic string, active or
// not, or (nil, nil) when unknown.
func (s *Store) TopicByName(ctx context.Context, topic string) (*models.MqttTopic, error) {
	var row models.MqttTopic
	result := s.db.WithContext(ctx).Where("topic = ?", topic).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load topic %q: %w", topic, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) DeviceByID(ctx context.Context, id int) (*models.Device, error) {
	var row models.Device
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load device #%d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) DeviceTypeByID(ctx context.Context, id int) (*models.DeviceType, error) {
	var row models.DeviceType
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load device type #%d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) ClientByID(ctx context.Context, id int) (*models.Client, error) {
	var row models.Client
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load client #%d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) ParserByID(ctx context.Context, id int) (*models.Parser, error) {
	var row models.Parser
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load parser #%d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) MetricByID(ctx context.Context, id int) (*models.MetricCatalog, error) {
	var row models.MetricCatalog
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load metric #%d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// CandidateRules returns the active rules bound to a client and topic whose
// device binding is either the given device or unset.
func (s *Store) CandidateRules(ctx context.Context, clientID, topicID, deviceID int) ([]models.RoutingRule, error) {
	var rules []models.RoutingRule
	err := s.db.WithContext(ctx).
		Where("client_id = ? AND topic_id = ? AND active = ?", clientID, topicID, true).
		Where("device_id = ? OR device_id IS NULL", deviceID).
		Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate rules: %w", err)
	}
	return rules, nil
}

// DepositsForRule lists the destinations a rule fans out to.
func (s *Store) DepositsForRule(ctx context.Context, ruleID uuid.UUID) ([]models.RouteDeposit, error) {
	var deposits []models.RouteDeposit
	err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Find(&deposits).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits for rule %s: %w", ruleID, err)
	}
	return deposits, nil
}

func (s *Store) DestinationByID(ctx context.Context, id int) (*models.ClientDestination, error) {
	var row models.ClientDestination
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load destination #%d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) CreateExtraction(ctx context.Context, extraction *models.Extraction) error {
	if err := s.db.WithContext(ctx).Create(extraction).Error; err != nil {
		return fmt.Errorf("failed to create extraction: %w", err)
	}
	return nil
}

func (s *Store) ExtractionByID(ctx context.Context, id uuid.UUID) (*models.Extraction, error) {
	var row models.Extraction
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load extraction %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Store) CreatePoints(ctx context.Context, points []models.ParsedPoint) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&points).Error; err != nil {
		return fmt.Errorf("failed to create parsed points: %w", err)
	}
	return nil
}

func (s *Store) PointsByExtraction(ctx context.Context, extractionID uuid.UUID) ([]models.ParsedPoint, error) {
	var points []models.ParsedPoint
	err := s.db.WithContext(ctx).
		Where("extraction_id = ?", extractionID).
		Order("id ASC").
		Find(&points).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load points for extraction %s: %w", extractionID, err)
	}
	return points, nil
}

// UpsertLatestValue keeps the per (device, metric key) mirror current.
func (s *Store) UpsertLatestValue(ctx context.Context, latest *models.LatestValue) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}, {Name: "key_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"ts", "num_value", "str_value", "bool_value", "json_value",
			"unit", "quality", "meta_json",
		}),
	}).Create(latest).Error
	if err != nil {
		return fmt.Errorf("failed to upsert latest value: %w", err)
	}
	return nil
}
