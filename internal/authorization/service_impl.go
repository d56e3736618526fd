package authorization

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/promosale/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectActivity  = "activity"
	ObjectSession   = "session"
	ObjectUnit      = "unit"
	ObjectScheduler = "scheduler"
	ObjectAuditLog  = "audit_log"
)

const (
	ActionActivityCreate   = "activity.create"
	ActionActivityView     = "activity.view"
	ActionActivityActivate = "activity.activate"
	ActionActivityEnd      = "activity.end"
	ActionActivityCancel   = "activity.cancel"
	ActionActivityEnable   = "activity.enable"
	ActionActivityDisable  = "activity.disable"

	ActionSessionCancel = "session.cancel"

	ActionUnitReconcile = "unit.reconcile"
	ActionUnitWarm      = "unit.warm"

	ActionSchedulerRun = "scheduler.run"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleSystem   = "system"
)

// rolePolicies lists what each role adds. Admin inherits operator.
var rolePolicies = map[string][][2]string{
	// Operators keep a sale running; they cannot end or cancel it.
	RoleOperator: {
		{ObjectActivity, ActionActivityView},
		{ObjectActivity, ActionActivityEnable},
		{ObjectActivity, ActionActivityDisable},
		{ObjectUnit, ActionUnitReconcile},
		{ObjectUnit, ActionUnitWarm},
		{ObjectAuditLog, ActionAuditLogView},
	},
	RoleAdmin: {
		{ObjectActivity, ActionActivityCreate},
		{ObjectActivity, ActionActivityCancel},
		{ObjectSession, ActionSessionCancel},
		{ObjectScheduler, ActionSchedulerRun},
	},
	RoleSystem: {
		{ObjectActivity, ActionActivityActivate},
		{ObjectActivity, ActionActivityEnd},
		{ObjectUnit, ActionUnitReconcile},
		{ObjectUnit, ActionUnitWarm},
		{ObjectScheduler, ActionSchedulerRun},
	},
}

var roleInheritance = [][2]string{
	{RoleAdmin, RoleOperator},
}

// Grants worth an audit row even when allowed.
var auditedGrants = map[string]bool{
	ActionActivityCancel: true,
	ActionSessionCancel:  true,
	ActionSchedulerRun:   true,
}

// OperatorRole maps an operator to an admin role.
type OperatorRole struct {
	UserID    string    `gorm:"primaryKey;type:text"`
	Role      string    `gorm:"primaryKey;type:text"`
	CreatedAt time.Time `gorm:"not null"`
}

func (OperatorRole) TableName() string { return "operator_roles" }

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	db       *gorm.DB
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads casbin policies from the database and makes sure the
// built-in role policies exist.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:       p.DB,
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

// principal is a parsed actor string.
type principal struct {
	subject string
	kind    auditdomain.ActorType
	id      string
}

func parseActor(actor string) (principal, error) {
	switch {
	case actor == ActorSystem:
		return principal{subject: actor, kind: auditdomain.ActorTypeSystem}, nil
	case strings.HasPrefix(actor, ActorOperatorPrefix):
		id := strings.TrimSpace(strings.TrimPrefix(actor, ActorOperatorPrefix))
		if id == "" {
			return principal{}, ErrInvalidActor
		}
		return principal{subject: ActorOperatorPrefix + id, kind: auditdomain.ActorTypeOperator, id: id}, nil
	default:
		return principal{}, ErrInvalidActor
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	object, action = strings.TrimSpace(object), strings.TrimSpace(action)
	switch {
	case strings.TrimSpace(actor) == "":
		return ErrInvalidActor
	case object == "":
		return ErrInvalidObject
	case action == "":
		return ErrInvalidAction
	}

	p, err := parseActor(strings.TrimSpace(actor))
	if err != nil {
		return err
	}

	roles, err := s.rolesFor(ctx, p)
	if err != nil {
		return err
	}
	allowed := false
	for _, role := range roles {
		ok, err := s.enforcer.Enforce(roleSubject(role), object, action)
		if err != nil {
			return err
		}
		if ok {
			allowed = true
			break
		}
	}

	if !allowed {
		s.audit(ctx, p, "authorization.denied", object, action)
		return ErrForbidden
	}
	if auditedGrants[action] {
		s.audit(ctx, p, "authorization.granted", object, action)
	}
	return nil
}

// AssignRole records an operator role. Assigning an existing role is a no-op.
func (s *ServiceImpl) AssignRole(ctx context.Context, userID string, role string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidActor
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role != RoleAdmin && role != RoleOperator {
		return ErrInvalidRole
	}
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO operator_roles (user_id, role, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id, role) DO NOTHING`,
		userID, role, time.Now().UTC(),
	).Error
}

// rolesFor reads operator roles per call so a revoked role takes effect on
// the next request without a casbin reload.
func (s *ServiceImpl) rolesFor(ctx context.Context, p principal) ([]string, error) {
	if p.kind == auditdomain.ActorTypeSystem {
		return []string{RoleSystem}, nil
	}

	var roles []string
	err := s.db.WithContext(ctx).
		Model(&OperatorRole{}).
		Where("user_id = ? AND role <> ?", p.id, RoleSystem).
		Order("role").
		Pluck("role", &roles).Error
	if err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *ServiceImpl) audit(ctx context.Context, p principal, event, object, action string) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.Record(ctx, auditdomain.Entry{
		ActorType:  p.kind,
		ActorID:    p.id,
		Action:     event,
		TargetType: "authorization",
		TargetID:   object,
		Metadata: map[string]any{
			"object":  object,
			"action":  action,
			"subject": p.subject,
		},
	})
}

func roleSubject(role string) string {
	return "role:" + role
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	for role, grants := range rolePolicies {
		for _, g := range grants {
			if _, err := enforcer.AddPolicy(roleSubject(role), g[0], g[1]); err != nil {
				return err
			}
		}
	}
	for _, link := range roleInheritance {
		if _, err := enforcer.AddGroupingPolicy(roleSubject(link[0]), roleSubject(link[1])); err != nil {
			return err
		}
	}
	return nil
}
