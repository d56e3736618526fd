package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	"github.com/smallbiznis/promosale/internal/clock"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	"gorm.io/gorm"
)

// TimeAccelerator pulls lifecycle deadlines into the past so the next
// scheduler pass acts on them. Development environments only.
type TimeAccelerator struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewTimeAccelerator(db *gorm.DB, clk clock.Clock) *TimeAccelerator {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &TimeAccelerator{db: db, clock: clk}
}

// StartActivityNow moves a pending activity's start_at, and its pending
// sessions', to one second ago.
func (ta *TimeAccelerator) StartActivityNow(ctx context.Context, activityID snowflake.ID) (int64, error) {
	now := ta.clock.Now()
	var affected int64
	err := ta.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE activities
			 SET start_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			now.Add(-time.Second), now, activityID, activitydomain.StatusPending,
		)
		if res.Error != nil {
			return res.Error
		}
		affected += res.RowsAffected
		res = tx.Exec(
			`UPDATE activity_sessions
			 SET start_at = ?, updated_at = ?
			 WHERE activity_id = ? AND status = ?`,
			now.Add(-time.Second), now, activityID, activitydomain.StatusPending,
		)
		if res.Error != nil {
			return res.Error
		}
		affected += res.RowsAffected
		return nil
	})
	return affected, err
}

// EndSessionNow moves an active session's end_at to one second ago.
func (ta *TimeAccelerator) EndSessionNow(ctx context.Context, sessionID snowflake.ID) (int64, error) {
	now := ta.clock.Now()
	res := ta.db.WithContext(ctx).Exec(
		`UPDATE activity_sessions
		 SET end_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		now.Add(-time.Second), now, sessionID, activitydomain.StatusActive,
	)
	return res.RowsAffected, res.Error
}

// ExpireGroupNow moves a forming group's expire_at to one second ago.
func (ta *TimeAccelerator) ExpireGroupNow(ctx context.Context, code string) (int64, error) {
	now := ta.clock.Now()
	res := ta.db.WithContext(ctx).Exec(
		`UPDATE buy_groups
		 SET expire_at = ?, updated_at = ?
		 WHERE code = ? AND status = ?`,
		now.Add(-time.Second), now, code, groupdomain.StatusForming,
	)
	return res.RowsAffected, res.Error
}

type ActivityInfo struct {
	ID             snowflake.ID          `json:"id"`
	Status         activitydomain.Status `json:"status"`
	StartAt        time.Time             `json:"start_at"`
	EndAt          time.Time             `json:"end_at"`
	TimeUntilStart time.Duration         `json:"time_until_start"`
	TimeUntilEnd   time.Duration         `json:"time_until_end"`
}

// GetActivityInfo shows where an activity sits on its timeline.
func (ta *TimeAccelerator) GetActivityInfo(ctx context.Context, activityID snowflake.ID) (*ActivityInfo, error) {
	var row struct {
		ID      snowflake.ID
		Status  activitydomain.Status
		StartAt time.Time
		EndAt   time.Time
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, status, start_at, end_at
		 FROM activities
		 WHERE id = ?`,
		activityID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, activitydomain.ErrActivityNotFound
	}

	now := ta.clock.Now()
	return &ActivityInfo{
		ID:             row.ID,
		Status:         row.Status,
		StartAt:        row.StartAt,
		EndAt:          row.EndAt,
		TimeUntilStart: row.StartAt.Sub(now),
		TimeUntilEnd:   row.EndAt.Sub(now),
	}, nil
}
