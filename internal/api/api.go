package api

import (
	"net/http"

	analyticsHandler "notification-engine/internal/analytics/handler"
	preferencesHandler "notification-engine/internal/preferences/handler"
	queueHandler "notification-engine/internal/queue/handler"
	schedulerHandler "notification-engine/internal/scheduler/handler"
	templatesHandler "notification-engine/internal/templates/handler"

	"github.com/gin-gonic/gin"
)

type API struct {
	router             *gin.RouterGroup
	queueHandler       queueHandler.Handler
	preferencesHandler preferencesHandler.Handler
	templatesHandler   templatesHandler.Handler
	schedulerHandler   schedulerHandler.Handler
	analyticsHandler   analyticsHandler.Handler
}

func New(
	router *gin.RouterGroup,
	queueHandler queueHandler.Handler,
	preferencesHandler preferencesHandler.Handler,
	templatesHandler templatesHandler.Handler,
	schedulerHandler schedulerHandler.Handler,
	analyticsHandler analyticsHandler.Handler,
) API {
	return API{
		router:             router,
		queueHandler:       queueHandler,
		preferencesHandler: preferencesHandler,
		templatesHandler:   templatesHandler,
		schedulerHandler:   schedulerHandler,
		analyticsHandler:   analyticsHandler,
	}
}

func (a *API) RegisterRoutes() {
	a.Health()

	// Tracking endpoints live outside /api; their URLs are embedded in
	// rendered emails.
	trackGroup := a.router.Group("/track")
	{
		trackGroup.GET("/open/:log_id", a.analyticsHandler.HandleTrackOpen)
		trackGroup.GET("/click/:log_id", a.analyticsHandler.HandleTrackClick)
	}

	apiGroup := a.router.Group("/api")
	{
		apiGroup.POST("/notifications", a.queueHandler.HandleEnqueueNotification)
		apiGroup.GET("/notifications/:id", a.queueHandler.HandleGetQueueItem)
		apiGroup.GET("/queue/stats", a.queueHandler.HandleGetQueueStats)

		usersGroup := apiGroup.Group("/users/:user_id")
		usersGroup.GET("/preferences", a.preferencesHandler.HandleGetPreferences)
		usersGroup.PUT("/preferences", a.preferencesHandler.HandleUpdatePreferences)
		usersGroup.POST("/preferences/reset", a.preferencesHandler.HandleResetPreferences)

		templatesGroup := apiGroup.Group("/templates")
		templatesGroup.POST("", a.templatesHandler.HandleCreateTemplate)
		templatesGroup.GET("", a.templatesHandler.HandleListTemplates)
		templatesGroup.POST("/preview", a.templatesHandler.HandlePreview)
		templatesGroup.GET("/:id", a.templatesHandler.HandleGetTemplate)
		templatesGroup.PUT("/:id", a.templatesHandler.HandleUpdateTemplate)
		templatesGroup.DELETE("/:id", a.templatesHandler.HandleDeactivateTemplate)

		campaignsGroup := apiGroup.Group("/campaigns")
		campaignsGroup.POST("", a.schedulerHandler.HandleCreateCampaign)
		campaignsGroup.GET("", a.schedulerHandler.HandleListCampaigns)
		campaignsGroup.GET("/:id", a.schedulerHandler.HandleGetCampaign)
		campaignsGroup.PUT("/:id", a.schedulerHandler.HandleUpdateCampaign)
		campaignsGroup.DELETE("/:id", a.schedulerHandler.HandleDeleteCampaign)

		apiGroup.GET("/analytics", a.analyticsHandler.HandleGetStats)
		apiGroup.POST("/webhooks/delivery", a.analyticsHandler.HandleProviderWebhook)
	}
}

func (a *API) Health() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
}
