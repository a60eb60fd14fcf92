package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/presence/internal/api/handlers"
	"github.com/your-org/presence/internal/api/ws"
)

type RouterConfig struct {
	Gallery    handlers.IdentityService
	Recognizer handlers.Recognizer
	Presence   handlers.PresenceLog
	// Captures may be nil when no queue is configured; POST /v1/captures
	// then answers 503.
	Captures     handlers.CapturePublisher
	Hub          *ws.Hub
	Checks       map[string]handlers.Pinger
	MaxBodyBytes int64
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())
	r.Use(BodyLimitMiddleware(cfg.MaxBodyBytes))
	r.MaxMultipartMemory = 32 << 20

	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")

	// WebSocket
	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	// Recognition
	recH := handlers.NewRecognizeHandler(cfg.Recognizer)
	v1.POST("/recognize", recH.Recognize)
	v1.POST("/recognize-batch", recH.RecognizeBatch)
	v1.POST("/process-video", recH.ProcessVideo)

	capH := handlers.NewCaptureHandler(cfg.Captures)
	v1.POST("/captures", capH.Create)

	// Identities
	idH := handlers.NewIdentityHandler(cfg.Gallery)
	v1.GET("/identities", idH.List)
	v1.GET("/identities/:id", idH.Get)
	v1.DELETE("/identities/:id", idH.Delete)
	v1.GET("/identities/:id/photos", idH.Photos)
	v1.GET("/identities/:id/photo", idH.PrimaryPhoto)
	v1.GET("/identities/:id/photos/count", idH.PhotoCount)
	v1.DELETE("/identities/:id/photos", idH.RemovePhoto)
	v1.POST("/identities/:id/tags", idH.AddTag)
	v1.DELETE("/identities/:id/tags", idH.RemoveTag)

	// Presence
	presH := handlers.NewPresenceHandler(cfg.Presence, cfg.Gallery.PhotoURL)
	v1.GET("/presence", presH.List)
	v1.DELETE("/presence/:id", presH.Delete)

	return r
}
