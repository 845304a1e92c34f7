package api

import (
	"net"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stash/internal/server/config"
)

// multipartOverhead covers form boundaries and the tags field.
const multipartOverhead = 1 << 20

// SetupRouter creates and configures the echo router with all routes and
// middleware. The returned limiters must be stopped on shutdown.
func SetupRouter(handler *Handler, cfg *config.Config) (*echo.Echo, []*RateLimiter) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = httpErrorHandler
	e.IPExtractor = ipExtractor(cfg.TrustedProxies)

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())
	e.Use(Metrics())

	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	publicLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	authLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Accounts
	authGroup := e.Group("/auth", authLimiter.Middleware())
	authGroup.POST("/register", handler.HandleRegister)
	authGroup.POST("/login", handler.HandleLogin)
	authGroup.POST("/logout", handler.HandleLogout, RequireAuth(handler.accounts))

	// Public share access
	e.GET("/files/view/:sharedId", handler.HandleView, publicLimiter.Middleware())
	e.GET("/blobs/*", handler.HandleBlob, publicLimiter.Middleware())

	// Owner operations
	requireAuth := RequireAuth(handler.accounts)
	files := e.Group("/files", requireAuth)
	files.POST("/upload", handler.HandleUpload,
		uploadLimiter.Middleware(),
		middleware.BodyLimit(uploadBodyLimit(cfg)),
	)
	files.POST("/share/:fileId", handler.HandleShare)
	files.POST("/update-order", handler.HandleUpdateOrder)
	files.POST("/update-tags", handler.HandleUpdateTags)
	files.DELETE("/:filename", handler.HandleDelete)

	e.GET("/stats", handler.HandleStats, requireAuth)

	return e, []*RateLimiter{uploadLimiter, publicLimiter, authLimiter}
}

// uploadBodyLimit bounds a whole upload request in the form BodyLimit
// expects.
func uploadBodyLimit(cfg *config.Config) string {
	limit := cfg.MaxFileSize*int64(cfg.MaxFilesPerRequest) + multipartOverhead
	return strconv.FormatInt(limit, 10) + "B"
}

// ipExtractor believes X-Forwarded-For only when the peer is one of the
// trusted proxy ranges. Invalid ranges are rejected by config.Validate.
func ipExtractor(trusted []string) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, cidr := range trusted {
		if _, ipNet, err := net.ParseCIDR(cidr); err == nil {
			opts = append(opts, echo.TrustIPRange(ipNet))
		}
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
