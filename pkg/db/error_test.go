package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert member: %w", &pgconn.PgError{Code: "23505"})
	serial := &pgconn.PgError{Code: "40001"}
	deadlock := &pgconn.PgError{Code: "40P01"}

	tests := []struct {
		name        string
		err         error
		duplicate   bool
		serial      bool
		contention  bool
		driverError bool
	}{
		{name: "nil", err: nil},
		{name: "pg unique", err: unique, duplicate: true, driverError: true},
		{name: "gorm duplicated", err: gorm.ErrDuplicatedKey, duplicate: true, driverError: true},
		{name: "sqlite unique", err: errors.New("UNIQUE constraint failed: buy_group_members.group_id"), duplicate: true},
		{name: "serialization", err: serial, serial: true, driverError: true},
		{name: "deadlock", err: deadlock, contention: true, driverError: true},
		{name: "sqlite busy", err: errors.New("database is locked"), contention: true},
		{name: "not found", err: gorm.ErrRecordNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.duplicate, IsDuplicateKeyErr(tt.err))
			assert.Equal(t, tt.serial, IsSerializationFailure(tt.err))
			assert.Equal(t, tt.contention, IsContention(tt.err))
			assert.Equal(t, tt.driverError, IsDriverError(tt.err))
		})
	}
}
