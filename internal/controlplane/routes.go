package controlplane

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	slogGin "github.com/samber/slog-gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/openmined/soulsnaps/internal/version"
)

const eventsPath = "/v1/sync/events"

var corsConfig = cors.Config{
	AllowAllOrigins: true,
	AllowMethods:    []string{"GET", "POST", "PATCH", "DELETE", "HEAD"},
	AllowHeaders:    []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
	MaxAge:          12 * time.Hour,
}

func SetupRoutes(cfg Config, deps Deps) http.Handler {
	r := gin.New()

	rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: time.Second,
		Limit:  int64(max(cfg.RateLimit, 1)),
	})

	syncH := &SyncHandler{sync: deps.Sync, bus: deps.Bus}
	memH := &MemoryHandler{memories: deps.Memories}

	httpLogger := slog.Default().WithGroup("http")
	r.Use(slogGin.NewWithConfig(httpLogger, slogGin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())
	r.Use(SecureHeaders())
	r.Use(cors.New(corsConfig))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{eventsPath})))
	r.Use(mgin.NewMiddleware(rateLimiter))

	r.GET("/", IndexHandler)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(cfg.Token))
	{
		v1Sync := v1.Group("/sync")
		{
			v1Sync.GET("/status", syncH.Status)
			v1Sync.GET("/tasks", syncH.Tasks)
			v1Sync.GET("/events", syncH.Events)
			v1Sync.POST("/now", syncH.Now)
			v1Sync.POST("/retry", syncH.Retry)
		}

		v1.GET("/process", ProcessHandler)

		v1Mem := v1.Group("/memories")
		{
			v1Mem.GET("", memH.List)
			v1Mem.POST("", memH.Create)
			v1Mem.GET("/:id", memH.Get)
			v1Mem.PATCH("/:id", memH.Update)
			v1Mem.POST("/:id/favorite", memH.Favorite)
			v1Mem.DELETE("/:id", memH.Delete)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.PureJSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Error: "not found"})
	})

	return r.Handler()
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func IndexHandler(c *gin.Context) {
	c.PureJSON(http.StatusOK, version.Current())
}
