package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/ericyarmo/buds-relay/internal/domain"
)

var ErrRecordNotFound = errors.New("store: record not found")

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&domain.Device{},
		&domain.PhoneDID{},
		&domain.AccountSalt{},
		&domain.EncryptedMessage{},
		&domain.MessageDelivery{},
		&domain.JarReceipt{},
		&domain.JarMember{},
	)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// Ping verifies database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.DB.WithContext(ctx).DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
// Postgres reports SQLSTATE 23505 through pgconn; the sqlite driver used
// in tests reports a textual constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
