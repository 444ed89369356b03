package store

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/sandrolain/mqtt-relay/src/models"
	"github.com/sandrolain/mqtt-relay/src/security/crypto"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	connectRetries = 3
	connectDelay   = 2 * time.Second
)

var _ crypto.KeyStore = &Store{}
var _ crypto.SecretStore = &Store{}

// Store is the persistence layer. All components share one instance; gorm
// parameterizes every dynamic value.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open connects to the database selected by the DSN scheme (postgres:// or
// sqlite://, with sqlite://:memory: for tests) and tunes the pool.
func Open(cfg *models.DatabaseConfig) (*Store, error) {
	dialector, err := dialectorFor(cfg.DSN)
	if err != nil {
		return nil, err
	}

	log := slog.Default().With("context", "STORE")

	var db *gorm.DB
	r := retrier.New(retrier.ConstantBackoff(connectRetries, connectDelay), nil)
	err = r.Run(func() (err error) {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			log.Error("Error connecting to database", "err", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return &Store{db: db, log: log}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			path = ":memory:"
		}
		return sqlite.Open(path), nil
	case dsn == ":memory:":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database DSN: expected postgres:// or sqlite:// scheme")
	}
}

// Migrate creates or updates the schema and seeds the crypto_config
// singleton.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&models.Client{},
		&models.DeviceType{},
		&models.Device{},
		&models.MqttBroker{},
		&models.MqttTopic{},
		&models.MqttMessage{},
		&models.Parser{},
		&models.RoutingRule{},
		&models.RouteDeposit{},
		&models.ClientDestination{},
		&models.Extraction{},
		&models.MetricCatalog{},
		&models.ParsedPoint{},
		&models.LatestValue{},
		&models.Dispatch{},
		&models.Job{},
		&models.CryptoConfig{},
		&models.CryptoKey{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	seed := models.CryptoConfig{
		ID:        1,
		Algorithm: models.AlgorithmAESGCM,
		KeySource: models.KeySourceEnv,
		KeyID:     "PRIMARY",
		IvBytes:   12,
		TagBytes:  16,
		Encoding:  "base64",
		Version:   1,
	}
	if err := s.db.Where("id = ?", 1).FirstOrCreate(&seed).Error; err != nil {
		return fmt.Errorf("failed to seed crypto config: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}
