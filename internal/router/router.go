package router

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/lab-booking/internal/handler/prometheus"
	"github.com/jwalitptl/lab-booking/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine   *gin.Engine
	auth     *middleware.AuthMiddleware
	health   Handler
	bookingH Handler
	metrics  *prometheus.Handler
}

type RouterConfig struct {
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit  float64
	RateBurst  int
	CORSConfig middleware.CORSConfig
	Timeout    time.Duration
	SizeLimit  middleware.SizeLimitConfig
	Mode       string
}

func NewRouter(
	auth *middleware.AuthMiddleware,
	health Handler,
	bookingH Handler,
	metrics *prometheus.Handler,
	config RouterConfig,
) *Router {
	if config.Mode == "" {
		config.Mode = gin.ReleaseMode
	}
	gin.SetMode(config.Mode)

	engine := gin.New()

	r := &Router{
		engine:   engine,
		auth:     auth,
		health:   health,
		bookingH: bookingH,
		metrics:  metrics,
	}

	// RequestID runs first so every later middleware can log it.
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.Logger(),
	)
	if metrics != nil {
		engine.Use(metrics.Middleware())
	}
	engine.Use(
		middleware.ErrorHandler(),
		middleware.Timeout(middleware.TimeoutConfig{Duration: config.Timeout}),
		middleware.CORS(config.CORSConfig),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
	)

	sizeLimit := config.SizeLimit
	if sizeLimit.MaxBodySize == 0 {
		sizeLimit = middleware.DefaultSizeLimitConfig()
	}
	engine.Use(middleware.SizeLimit(sizeLimit))

	if config.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RPS:   config.RateLimit,
			Burst: config.RateBurst,
		})
		engine.Use(rateLimiter.RateLimit())
	}

	return r
}

func (r *Router) Setup() {
	api := r.engine.Group("/api/v1")

	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	r.health.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(r.auth.Authenticate())
	r.bookingH.RegisterRoutes(protected)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
