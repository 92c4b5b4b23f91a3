package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "modcollect/pkg/logx"
)

// RouterConfig selects the optional parts of the router.
type RouterConfig struct {
	CORSOrigins []string
	Pprof       PprofConfig
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewRouter builds the gin engine serving api.
func NewRouter(api *API, cfg RouterConfig) *gin.Engine {
	if api.started.IsZero() {
		api.started = time.Now()
	}
	r := gin.New()
	r.Use(recovery(api.Log), requestLog(api.Log))

	if len(cfg.CORSOrigins) > 0 {
		cc := cors.DefaultConfig()
		if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
			cc.AllowAllOrigins = true
		} else {
			cc.AllowOrigins = cfg.CORSOrigins
		}
		cc.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
		cc.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		r.Use(cors.New(cc))
	}

	r.GET("/healthz", api.healthz)

	g := api.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))

	if cfg.Pprof.Enabled {
		mountPprof(r, cfg.Pprof)
	}

	v1 := r.Group("/api/v1")
	v1.GET("/schedules", api.listSchedules)
	v1.POST("/schedules", api.addSchedule)
	v1.GET("/schedules/:id", api.getSchedule)
	v1.PATCH("/schedules/:id", api.patchSchedule)
	v1.DELETE("/schedules/:id", api.removeSchedule)
	v1.GET("/schedules/:id/templates", api.listTemplates)
	v1.GET("/schedules/:id/templates/:name", api.getTemplate)
	v1.GET("/schedules/:id/data", api.getData)
	v1.GET("/schedules/:id/data/:index", api.getDataAt)
	v1.POST("/procedure_call", api.procedureCall)
	v1.GET("/audit", api.listAudit)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("handler panic",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Any("panic", recovered),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !log.Enabled(logx.LevelDebug) {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
