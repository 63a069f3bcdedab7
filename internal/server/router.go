package server

import (
	"net/http"
	"time"

	"github.com/suvashsumon/chat-app-backend/internal/auth"
	"github.com/suvashsumon/chat-app-backend/internal/config"
	"github.com/suvashsumon/chat-app-backend/internal/metrics"
	"github.com/suvashsumon/chat-app-backend/internal/mw"
	"github.com/suvashsumon/chat-app-backend/internal/service"
	"github.com/suvashsumon/chat-app-backend/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// 返回的 stop 用于停服时回收限速器的后台 goroutine。
func SetupRouter(cfg config.Config, db *gorm.DB, reg *ws.Registry) (r *gin.Engine, stop func()) {
	gate := auth.NewGate(db, cfg)
	spaceSvc := service.NewSpaceService(db)
	h := NewHandler(
		service.NewUserService(db, gate),
		spaceSvc,
		service.NewMessageService(db, spaceSvc, reg),
	)

	// 控制单个 IP+路由的速率；登录接口额外按 IP 限速防止爆破。
	apiLimiter := mw.NewLimiter(rate.Every(time.Second/20), 40, 10*time.Minute, mw.ByIPAndRoute)
	loginLimiter := mw.NewLimiter(rate.Every(6*time.Second), 10, 10*time.Minute, mw.ByIP)
	stop = func() {
		apiLimiter.Stop()
		loginLimiter.Stop()
	}

	r = gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(apiLimiter.Middleware())

	api.POST("/users/register", h.Register)
	api.POST("/users/token", loginLimiter.Middleware(), h.Login)
	api.GET("/users/:username/public_key", h.PublicKey)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(gate.Middleware())

	authed.GET("/users/me", h.Me)
	authed.PUT("/users/me/password", h.ChangePassword)

	authed.POST("/spaces", h.CreateSpace)
	authed.GET("/spaces/me", h.MySpaces)
	authed.POST("/spaces/:id/members", h.AddMember)
	authed.GET("/spaces/:id/members", h.ListMembers)
	authed.POST("/spaces/:id/messages", h.PostMessage)
	authed.GET("/spaces/:id/messages", h.ListMessages)
	authed.DELETE("/messages/:id", h.DeleteMessage)

	// 浏览器 WebSocket 无法设置 header，token 走 query 参数。
	r.GET("/ws/:space_id", ws.Serve(reg, gate, spaceSvc, cfg))

	return r, stop
}
