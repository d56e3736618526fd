package domain

import "context"

type Service interface {
	// CreateGroup reserves the leader's quantity and opens a forming group.
	CreateGroup(ctx context.Context, req CreateGroupRequest) (*JoinResult, error)
	// JoinGroup reserves for a follower and succeeds the group once it reaches min people.
	JoinGroup(ctx context.Context, req JoinGroupRequest) (*JoinResult, error)
	GetGroup(ctx context.Context, code string) (*BuyGroup, error)
	// Withdraw removes a member from a forming group and releases its reservation.
	// A withdrawing leader fails the whole group.
	Withdraw(ctx context.Context, code, memberID, cause string) error
	// SweepExpiredGroups expires forming groups past expire_at and releases their reservations.
	// It also retries confirmation for members of succeeded groups that are not yet settled.
	SweepExpiredGroups(ctx context.Context) (int, error)
}
