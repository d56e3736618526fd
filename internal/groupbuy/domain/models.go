package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusForming   Status = "forming"
	StatusSucceeded Status = "succeeded"
	// StatusFailed closes a group explicitly, e.g. when its leader withdraws.
	StatusFailed Status = "failed"
	// StatusExpired is a failure caused by the group running out of time.
	StatusExpired Status = "expired"
)

// BuyGroup is one team forming around a group-buy campaign unit.
type BuyGroup struct {
	ID          snowflake.ID  `gorm:"primaryKey" json:"id"`
	Code        string        `gorm:"type:text;not null;uniqueIndex" json:"code"`
	ActivityID  snowflake.ID  `gorm:"not null;index" json:"activity_id"`
	UnitID      snowflake.ID  `gorm:"not null" json:"unit_id"`
	LeaderID    string        `gorm:"type:text;not null" json:"leader_id"`
	MinPeople   int           `gorm:"not null" json:"min_people"`
	MaxPeople   int           `gorm:"not null" json:"max_people"`
	MemberCount int           `gorm:"not null;default:0" json:"member_count"`
	Status      Status        `gorm:"type:text;not null;index:ix_buy_groups_status_expire,priority:1" json:"status"`
	ExpireAt    time.Time     `gorm:"not null;index:ix_buy_groups_status_expire,priority:2" json:"expire_at"`
	SucceededAt *time.Time    `json:"succeeded_at,omitempty"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
	CreatedAt   time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"not null" json:"updated_at"`
	Members     []GroupMember `gorm:"-" json:"members,omitempty"`
}

func (BuyGroup) TableName() string { return "buy_groups" }

type GroupMember struct {
	ID            snowflake.ID `gorm:"primaryKey" json:"id"`
	GroupID       snowflake.ID `gorm:"not null;uniqueIndex:ux_buy_group_members_member,priority:1" json:"group_id"`
	MemberID      string       `gorm:"type:text;not null;uniqueIndex:ux_buy_group_members_member,priority:2" json:"member_id"`
	ReservationID snowflake.ID `gorm:"not null;index" json:"reservation_id"`
	Quantity      int64        `gorm:"not null" json:"quantity"`
	IsLeader      bool         `gorm:"not null" json:"is_leader"`
	JoinedAt      time.Time    `gorm:"not null" json:"joined_at"`
	// SettledAt is stamped once the member's confirmation reached a final answer
	// after the group succeeded.
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

func (GroupMember) TableName() string { return "buy_group_members" }

type CreateGroupRequest struct {
	ActivityID snowflake.ID `json:"activity_id"`
	// UnitID may be left zero when the campaign has a single unit.
	UnitID         snowflake.ID `json:"unit_id,omitempty"`
	LeaderID       string       `json:"leader_id"`
	Quantity       int64        `json:"quantity"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type JoinGroupRequest struct {
	Code           string `json:"code"`
	MemberID       string `json:"member_id"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

// JoinResult is returned by both create and join. Succeeded is set on the call
// that moved the group to succeeded.
type JoinResult struct {
	Group     *BuyGroup    `json:"group"`
	Member    *GroupMember `json:"member"`
	Succeeded bool         `json:"succeeded"`
}
