package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/wfm_ohs/backend/internal/ai"
	"github.com/wfm_ohs/backend/internal/config"
	"github.com/wfm_ohs/backend/internal/db"
	"github.com/wfm_ohs/backend/internal/http/handlers"
	"github.com/wfm_ohs/backend/internal/http/middleware"
	"github.com/wfm_ohs/backend/internal/notify"
	"github.com/wfm_ohs/backend/internal/service"

	_ "github.com/wfm_ohs/backend/docs"
)

func Router(cfg config.Config, store *db.Store, advisor ai.Advisor, dispatcher notify.Dispatcher, health *service.HealthService, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadSizeMB << 20

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSAllowed}
	}
	r.Use(cors.New(corsCfg))

	h := &handlers.Handler{
		Store:         store,
		Engine:        service.NewAssignmentEngine(store),
		Relationships: &service.RelationshipStore{Repo: store},
		Health:        health,
		Advisor:       advisor,
		Notifier:      dispatcher,
		Validator:     validator.New(),
		Logger:        logger,
		AdminKey:      cfg.AdminKey,
	}

	r.GET("/healthz", h.Healthz)

	api := r.Group("/api")
	{
		api.GET("/visits", h.VisitsList)
		api.GET("/visits/:id", h.VisitDetails)
		api.GET("/visits/:id/recommendations", h.Recommendations)
		api.GET("/partners", h.PartnersList)
		api.GET("/relationships", h.RelationshipsList)
		api.GET("/health", h.HealthList)
		api.GET("/health/:partner_id", h.HealthByPartner)
		api.GET("/runs/latest", h.RunsLatest)
	}

	admin := api.Group("")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/import", h.Import)
		admin.POST("/visits/:id/assign", h.AssignVisit)
		admin.POST("/visits/:id/confirm", h.ConfirmVisit)
		admin.POST("/visits/:id/start", h.StartVisit)
		admin.POST("/visits/:id/complete", h.CompleteVisit)
		admin.POST("/visits/:id/cancel", h.CancelVisit)
		admin.POST("/runs", h.HealthRun)
		admin.POST("/health/:partner_id/resolve", h.ResolveHealthTicket)
		admin.POST("/health/:partner_id/advice", h.HealthAdvice)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
