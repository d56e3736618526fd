package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	"github.com/smallbiznis/promosale/internal/audit"
	auditdomain "github.com/smallbiznis/promosale/internal/audit/domain"
	"github.com/smallbiznis/promosale/internal/authorization"
	"github.com/smallbiznis/promosale/internal/checkout"
	"github.com/smallbiznis/promosale/internal/clock"
	"github.com/smallbiznis/promosale/internal/config"
	groupdomain "github.com/smallbiznis/promosale/internal/groupbuy/domain"
	"github.com/smallbiznis/promosale/internal/observability"
	obsmiddleware "github.com/smallbiznis/promosale/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/promosale/internal/observability/metrics"
	obstracing "github.com/smallbiznis/promosale/internal/observability/tracing"
	"github.com/smallbiznis/promosale/internal/ratelimit"
	"github.com/smallbiznis/promosale/internal/reconcile"
	reservationdomain "github.com/smallbiznis/promosale/internal/reservation/domain"
	"github.com/smallbiznis/promosale/internal/scheduler"
	schedulertesting "github.com/smallbiznis/promosale/internal/scheduler/testing"
	"github.com/smallbiznis/promosale/internal/stockcache"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	authorization.Module,
	audit.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	clock        clock.Clock
	reservations reservationdomain.Service
	checkout     *checkout.Service
	groups       groupdomain.Service
	activity     activitydomain.Service
	reconcile    *reconcile.Service
	cache        *stockcache.Cache
	auditSvc     auditdomain.Service
	authzSvc     authorization.Service
	limiter      *ratelimit.PurchaseLimiter
	obsMetrics   *obsmetrics.Metrics
	scheduler    *scheduler.Scheduler
	accelerator  *schedulertesting.TimeAccelerator
	db           *gorm.DB
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Clock        clock.Clock
	DB           *gorm.DB
	Reservations reservationdomain.Service
	Checkout     *checkout.Service
	Groups       groupdomain.Service
	Activity     activitydomain.Service
	Reconcile    *reconcile.Service
	Cache        *stockcache.Cache
	AuditSvc     auditdomain.Service
	AuthzSvc     authorization.Service
	Limiter      *ratelimit.PurchaseLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics        `optional:"true"`
	Scheduler    *scheduler.Scheduler       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		clock:        p.Clock,
		db:           p.DB,
		reservations: p.Reservations,
		checkout:     p.Checkout,
		groups:       p.Groups,
		activity:     p.Activity,
		reconcile:    p.Reconcile,
		cache:        p.Cache,
		auditSvc:     p.AuditSvc,
		authzSvc:     p.AuthzSvc,
		limiter:      p.Limiter,
		obsMetrics:   p.ObsMetrics,
		scheduler:    p.Scheduler,
	}

	svc.registerHealthRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerDevRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Reservations --------
	api.POST("/reservations", s.PurchaseThrottle(), s.CreateReservation)
	api.GET("/reservations/:id", s.GetReservation)
	api.POST("/reservations/:id/confirm", s.ConfirmReservation)
	api.POST("/reservations/:id/release", s.ReleaseReservation)

	// -------- Checkout --------
	api.POST("/checkout", s.PurchaseThrottle(), s.Checkout)

	// -------- Groups --------
	api.POST("/groups", s.PurchaseThrottle(), s.CreateGroup)
	api.POST("/groups/:code/join", s.PurchaseThrottle(), s.JoinGroup)
	api.POST("/groups/:code/withdraw", s.WithdrawGroup)
	api.GET("/groups/:code", s.GetGroup)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.OperatorRequired())

	// -------- Activities --------
	admin.POST("/activities", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityCreate), s.CreateActivity)
	admin.GET("/activities/:id", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityView), s.GetActivity)
	admin.POST("/activities/:id/cancel", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityCancel), s.CancelActivity)
	admin.POST("/activities/:id/enable", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityEnable), s.EnableActivity)
	admin.POST("/activities/:id/disable", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityDisable), s.DisableActivity)

	// -------- Sessions --------
	admin.POST("/sessions", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityCreate), s.CreateSession)
	admin.GET("/sessions/:id", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityView), s.GetSession)
	admin.POST("/sessions/:id/cancel", s.authorizeAction(authorization.ObjectSession, authorization.ActionSessionCancel), s.CancelSession)

	// -------- Units --------
	admin.POST("/units", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityCreate), s.CreateUnit)
	admin.GET("/units/:id/stock", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityView), s.GetUnitStock)
	admin.POST("/units/:id/reconcile", s.authorizeAction(authorization.ObjectUnit, authorization.ActionUnitReconcile), s.ReconcileUnit)
	admin.POST("/units/warm", s.authorizeAction(authorization.ObjectUnit, authorization.ActionUnitWarm), s.WarmUnits)

	// -------- Scheduler --------
	admin.POST("/scheduler/run", s.authorizeAction(authorization.ObjectScheduler, authorization.ActionSchedulerRun), s.RunScheduler)

	admin.GET("/audit_logs", s.authorizeAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}
