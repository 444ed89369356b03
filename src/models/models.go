package models

import (
	"time"

	"github.com/google/uuid"
)

// ClientStatus is the lifecycle state of a tenant.
type ClientStatus string

const (
	ClientStatusActive   ClientStatus = "active"
	ClientStatusPaused   ClientStatus = "paused"
	ClientStatusDisabled ClientStatus = "disabled"
)

// ParserLanguage is the language of a registered parser.
type ParserLanguage string

const (
	ParserLanguagePython ParserLanguage = "python"
	ParserLanguageJS     ParserLanguage = "js"
	ParserLanguageBash   ParserLanguage = "bash"
)

// DestinationType selects the dispatcher implementation for a destination.
type DestinationType string

const (
	DestinationTypeMySQL    DestinationType = "mysql"
	DestinationTypePostgres DestinationType = "postgres"
	DestinationTypeHTTP     DestinationType = "http"
	DestinationTypeKafka    DestinationType = "kafka"
	DestinationTypeFile     DestinationType = "file"
	DestinationTypeOther    DestinationType = "other"
)

// DispatchStatus is the delivery state of one dispatch attempt.
// Transitions are monotonic toward the terminal states sent and dead.
type DispatchStatus string

const (
	DispatchStatusQueued   DispatchStatus = "queued"
	DispatchStatusSent     DispatchStatus = "sent"
	DispatchStatusFailed   DispatchStatus = "failed"
	DispatchStatusRetrying DispatchStatus = "retrying"
	DispatchStatusDead     DispatchStatus = "dead"
)

// JobState is the run state of a named job.
type JobState string

const (
	JobStateIdle    JobState = "IDLE"
	JobStateRunning JobState = "RUNNING"
)

// Quality levels assigned to parsed points.
const (
	QualityGood    = "good"
	QualitySuspect = "suspect"
	QualityBad     = "bad"
)

type Client struct {
	ID           int          `json:"id" gorm:"primaryKey"`
	Slug         string       `json:"slug" gorm:"size:64;uniqueIndex;not null"`
	Name         string       `json:"name" gorm:"size:255;not null"`
	ContactEmail string       `json:"contact_email" gorm:"size:255"`
	Phone        string       `json:"phone" gorm:"size:255"`
	Status       ClientStatus `json:"status" gorm:"size:16;not null;default:active"`
	CreatedAt    time.Time    `json:"created_at" gorm:"not null"`
}

func (Client) TableName() string { return "client" }

type DeviceType struct {
	ID            int       `json:"id" gorm:"primaryKey"`
	Vendor        string    `json:"vendor" gorm:"size:128;not null;uniqueIndex:idx_device_type_vendor_model"`
	Model         string    `json:"model" gorm:"size:128;not null;uniqueIndex:idx_device_type_vendor_model"`
	Kind          string    `json:"kind" gorm:"size:64;not null"`
	Capabilities  string    `json:"capabilities" gorm:"not null;default:'{}'"`
	PayloadSchema string    `json:"payload_schema" gorm:"not null;default:'{}'"`
	DefaultsJSON  string    `json:"defaults_json" gorm:"column:defaults_json;not null;default:'{}'"`
	Notes         string    `json:"notes" gorm:"size:512"`
	CreatedAt     time.Time `json:"created_at" gorm:"not null"`
}

func (DeviceType) TableName() string { return "device_type" }

type Device struct {
	ID           int       `json:"id" gorm:"primaryKey"`
	ClientID     *int      `json:"client_id"`
	DeviceTypeID int       `json:"device_type_id" gorm:"not null"`
	ExternalRef  string    `json:"external_ref" gorm:"size:128"`
	Name         string    `json:"name" gorm:"size:255"`
	Working      bool      `json:"working" gorm:"not null;default:true"`
	Installed    bool      `json:"installed" gorm:"not null;default:false"`
	Topic        *string   `json:"topic"`
	MetadataJSON string    `json:"metadata_json" gorm:"column:metadata_json"`
	EmissionRate int       `json:"emission_rate" gorm:"not null;default:1200000"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
}

func (Device) TableName() string { return "device" }

type MqttBroker struct {
	ID         int        `json:"id" gorm:"primaryKey"`
	Name       string     `json:"name" gorm:"size:128;not null"`
	URI        string     `json:"uri" gorm:"size:512;not null"`
	ClientID   *int       `json:"client_id"`
	AuthJSON   string     `json:"auth_json" gorm:"column:auth_json"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	Active     bool       `json:"active" gorm:"not null;default:true"`
}

func (MqttBroker) TableName() string { return "mqtt_broker" }

type MqttTopic struct {
	ID          int       `json:"id" gorm:"primaryKey"`
	Topic       string    `json:"topic" gorm:"size:255;uniqueIndex;not null"`
	Description string    `json:"description" gorm:"size:512"`
	QosDefault  int       `json:"qos_default" gorm:"default:0"`
	Active      bool      `json:"active" gorm:"not null;default:true"`
	ClientID    *int      `json:"client_id"`
	DeviceID    *int      `json:"device_id"`
	CreatedAt   time.Time `json:"created_at" gorm:"not null"`
}

func (MqttTopic) TableName() string { return "mqtt_topic" }

// MqttMessage is one raw inbound frame. Payload is immutable once stored.
type MqttMessage struct {
	ID        int        `json:"id" gorm:"primaryKey"`
	Client    string     `json:"client" gorm:"size:255;not null"`
	Topic     string     `json:"topic" gorm:"size:255;not null"`
	Payload   string     `json:"payload"`
	Qos       int        `json:"qos" gorm:"not null;default:0"`
	Processed bool       `json:"processed" gorm:"not null;default:false;index"`
	Processor *uuid.UUID `json:"processor" gorm:"type:uuid"`
	At        time.Time  `json:"at" gorm:"not null"`
}

func (MqttMessage) TableName() string { return "mqtt_message" }

type Parser struct {
	ID           int            `json:"id" gorm:"primaryKey"`
	Name         string         `json:"name" gorm:"size:128;not null;uniqueIndex:idx_parser_name_version"`
	Version      string         `json:"version" gorm:"size:32;not null;uniqueIndex:idx_parser_name_version"`
	Description  string         `json:"description" gorm:"size:512"`
	Language     ParserLanguage `json:"language" gorm:"size:32"`
	ConfigSchema string         `json:"config_schema"`
	Active       bool           `json:"active" gorm:"not null;default:true"`
}

func (Parser) TableName() string { return "parser" }

type RoutingRule struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ClientID     int       `json:"client_id" gorm:"not null;index"`
	TopicID      *int      `json:"topic_id"`
	DeviceID     *int      `json:"device_id"`
	ParserID     int       `json:"parser_id"`
	ParserConfig string    `json:"parser_config"`
	Active       bool      `json:"active" gorm:"not null;default:true"`
	Priority     int       `json:"priority" gorm:"not null;default:100"`
	Conditions   string    `json:"conditions"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
}

func (RoutingRule) TableName() string { return "routing_rule" }

type RouteDeposit struct {
	RuleID        uuid.UUID `json:"rule_id" gorm:"primaryKey;type:uuid"`
	DestinationID int       `json:"destination_id" gorm:"primaryKey"`
}

func (RouteDeposit) TableName() string { return "route_deposit" }

type ClientDestination struct {
	ID                int             `json:"id" gorm:"primaryKey"`
	ClientID          int             `json:"client_id" gorm:"not null;index"`
	Type              DestinationType `json:"type" gorm:"size:16;not null"`
	Host              string          `json:"host" gorm:"size:255"`
	Port              int             `json:"port"`
	DatabaseName      string          `json:"database_name" gorm:"size:255"`
	Username          string          `json:"username" gorm:"size:255"`
	PasswordEnc       []byte          `json:"-" gorm:"size:1024"`
	EncryptionVersion string          `json:"encryption_version"`
	URI               string          `json:"uri" gorm:"size:1024"`
	OptionsJSON       string          `json:"options_json" gorm:"column:options_json"`
	Active            bool            `json:"active" gorm:"not null;default:true"`
	CreatedAt         time.Time       `json:"created_at" gorm:"not null"`
}

func (ClientDestination) TableName() string { return "client_destination" }

// Extraction records one parse attempt over one message.
type Extraction struct {
	ID             uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	MessageID      int       `json:"message_id" gorm:"not null;index"`
	ParserID       int       `json:"parser_id" gorm:"not null"`
	ParserConfig   string    `json:"parser_config"`
	ParsedAt       time.Time `json:"parsed_at" gorm:"not null"`
	Success        bool      `json:"success" gorm:"not null"`
	ErrorText      string    `json:"error_text"`
	ExtractedCount int       `json:"extracted_count" gorm:"not null;default:0"`
}

func (Extraction) TableName() string { return "extraction" }

type MetricCatalog struct {
	ID          int    `json:"id" gorm:"primaryKey"`
	KeyName     string `json:"key_name" gorm:"size:128;not null"`
	DefaultUnit string `json:"default_unit" gorm:"size:32"`
	Description string `json:"description" gorm:"size:512"`
}

func (MetricCatalog) TableName() string { return "metric_catalog" }

// ParsedPoint is one canonical data point. Exactly one of the four value
// columns is non-null.
type ParsedPoint struct {
	ID           int       `json:"id" gorm:"primaryKey"`
	ExtractionID uuid.UUID `json:"extraction_id" gorm:"type:uuid;not null;index"`
	DeviceID     int       `json:"device_id"`
	MetricID     int       `json:"metric_id"`
	Ts           time.Time `json:"ts" gorm:"not null"`
	NumValue     *float64  `json:"num_value"`
	StrValue     *string   `json:"str_value" gorm:"size:1024"`
	BoolValue    *bool     `json:"bool_value"`
	JSONValue    *string   `json:"json_value" gorm:"column:json_value"`
	Unit         string    `json:"unit" gorm:"size:32"`
	Quality      string    `json:"quality" gorm:"size:16;not null;default:good"`
	MetaJSON     string    `json:"meta_json" gorm:"column:meta_json"`
}

func (ParsedPoint) TableName() string { return "parsed_point" }

// LatestValue mirrors the most recent point per (device, metric key).
type LatestValue struct {
	DeviceID  int       `json:"device_id" gorm:"primaryKey"`
	KeyName   string    `json:"key_name" gorm:"primaryKey;size:128"`
	Ts        time.Time `json:"ts" gorm:"not null"`
	NumValue  *float64  `json:"num_value"`
	StrValue  *string   `json:"str_value" gorm:"size:1024"`
	BoolValue *bool     `json:"bool_value"`
	JSONValue *string   `json:"json_value" gorm:"column:json_value"`
	Unit      string    `json:"unit" gorm:"size:32"`
	Quality   string    `json:"quality" gorm:"size:16;not null;default:good"`
	MetaJSON  string    `json:"meta_json" gorm:"column:meta_json"`
}

func (LatestValue) TableName() string { return "latest_value" }

type Dispatch struct {
	ID              uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	ExtractionID    uuid.UUID      `json:"extraction_id" gorm:"type:uuid;not null;uniqueIndex:idx_dispatch_extraction_destination"`
	DestinationID   int            `json:"destination_id" gorm:"not null;uniqueIndex:idx_dispatch_extraction_destination"`
	RuleID          uuid.UUID      `json:"rule_id" gorm:"type:uuid;not null"`
	Status          DispatchStatus `json:"status" gorm:"size:16;not null;default:queued;index"`
	HTTPStatus      *int           `json:"http_status" gorm:"column:http_status"`
	ResponseSnippet string         `json:"response_snippet"`
	Attempts        int            `json:"attempts" gorm:"not null;default:0"`
	NextRetryAt     *time.Time     `json:"next_retry_at"`
	SentAt          *time.Time     `json:"sent_at"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (Dispatch) TableName() string { return "dispatch" }

// Terminal reports whether the dispatch can no longer change state.
func (d *Dispatch) Terminal() bool {
	return d.Status == DispatchStatusSent || d.Status == DispatchStatusDead
}

type Job struct {
	Name            string    `json:"name" gorm:"primaryKey;size:50"`
	State           JobState  `json:"state" gorm:"size:20;not null;default:IDLE"`
	LastStateUpdate time.Time `json:"last_state_update" gorm:"not null"`
	LastExitCode    *int      `json:"last_exit_code"`
}

func (Job) TableName() string { return "job" }
