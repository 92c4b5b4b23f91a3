package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// PprofConfig mounts net/http/pprof under /debug/pprof when Enabled.
type PprofConfig struct {
	Enabled bool
	// Token, when set, is required as "Authorization: Bearer <token>" or
	// ?token=<token>.
	Token string

	MutexProfileFraction int
	BlockProfileRate     int
}

func applyRuntimeRates(cfg PprofConfig) {
	// 0 keeps Go default; negative values are ignored.
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func mountPprof(r *gin.Engine, cfg PprofConfig) {
	g := r.Group("/debug/pprof", tokenAuth(cfg.Token))
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	// named profiles: heap, goroutine, allocs, block, mutex, threadcreate
	g.GET("/:profile", func(c *gin.Context) {
		hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
	})
}

func tokenAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		if got := c.Query("token"); got != "" {
			if got == tok {
				c.Next()
				return
			}
			unauthorized(c)
			return
		}
		const p = "Bearer "
		if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			c.Next()
			return
		}
		unauthorized(c)
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}
