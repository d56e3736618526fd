package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/promosale/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	return db.WithContext(ctx).Create(entry).Error
}

// List scans newest first. Callers ask for one row more than a page to learn
// whether another page exists.
func (r *repo) List(ctx context.Context, db *gorm.DB, f domain.ListFilter) ([]*domain.AuditLog, error) {
	stmt := db.WithContext(ctx).Model(&domain.AuditLog{})
	for _, eq := range [][2]string{
		{"action", f.Action},
		{"target_type", f.TargetType},
		{"target_id", f.TargetID},
		{"actor_type", f.ActorType},
	} {
		if value := strings.TrimSpace(eq[1]); value != "" {
			stmt = stmt.Where(eq[0]+" = ?", value)
		}
	}
	if f.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", f.StartAt.UTC())
	}
	if f.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", f.EndAt.UTC())
	}
	if f.After != nil {
		at := f.After.CreatedAt.UTC()
		stmt = stmt.Where("created_at < ? OR (created_at = ? AND id < ?)", at, at, f.After.ID)
	}
	if f.Limit > 0 {
		stmt = stmt.Limit(f.Limit)
	}

	var logs []*domain.AuditLog
	if err := stmt.Order("created_at DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
