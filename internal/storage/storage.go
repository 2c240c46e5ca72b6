package storage

import (
	"context"
	"time"

	"github.com/amoylab/imgate/internal/common/cnst"
)

var (
	// ErrUserExists is returned by CreateUser for a taken username
	ErrUserExists = cnst.ErrUserExists
	// ErrUserNotFound is returned by lookups that match nothing
	ErrUserNotFound = cnst.ErrUserNotFound
)

// User is a registered account
type User struct {
	ID           int64     `json:"user_id" gorm:"column:user_id;primaryKey;autoIncrement"`
	Username     string    `json:"username" gorm:"type:varchar(50);uniqueIndex;not null"`
	PasswordHash string    `json:"-" gorm:"type:varchar(100);not null"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across dialects
func (User) TableName() string {
	return "users"
}

// UserStore persists accounts
type UserStore interface {
	// CreateUser inserts u and fills its ID
	CreateUser(ctx context.Context, u *User) error
	// GetUserByUsername returns ErrUserNotFound when nothing matches
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// GetUserByID returns ErrUserNotFound when nothing matches
	GetUserByID(ctx context.Context, id int64) (*User, error)
	// CountUsers returns the number of accounts
	CountUsers(ctx context.Context) (int64, error)
	Close() error
}
