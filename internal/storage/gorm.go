package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/amoylab/imgate/internal/common/cnst"
	"github.com/amoylab/imgate/internal/common/config"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore implements UserStore on top of gorm
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ UserStore = (*GormStore)(nil)

// NewUserStore opens the database named by cfg and migrates the schema
func NewUserStore(cfg *config.DatabaseConfig, logger *zap.Logger) (*GormStore, error) {
	dialector, err := openDialector(cfg)
	if err != nil {
		return nil, err
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Type == cnst.DBTypeSQLite {
		// one connection keeps :memory: databases shared and serializes writes
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := gormDB.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("user store ready", zap.String("type", cfg.Type))
	return &GormStore{db: gormDB, logger: logger.Named("storage")}, nil
}

func openDialector(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case cnst.DBTypeSQLite:
		if cfg.DBName != ":memory:" {
			dir := filepath.Dir(cfg.DBName)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return sqlite.Open(cfg.GetDSN()), nil
	case cnst.DBTypeMySQL:
		return mysql.Open(cfg.GetDSN()), nil
	case cnst.DBTypePostgres:
		return postgres.Open(cfg.GetDSN()), nil
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnsupportedStore, cfg.Type)
	}
}

// CreateUser inserts u. The username check and the insert share one
// transaction; the unique index catches whatever races past the check.
func (s *GormStore) CreateUser(ctx context.Context, u *User) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("username = ?", u.Username).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUserExists
		}
		return tx.Create(u).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUserExists
	}
	return err
}

func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *GormStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "user_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *GormStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&User{}).Count(&count).Error
	return count, err
}

// Close closes the database connection
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
