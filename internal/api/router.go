package api

import (
	"time"

	"github.com/apk-analysis/apk-risk-go/internal/api/handlers"
	"github.com/apk-analysis/apk-risk-go/internal/config"
	"github.com/apk-analysis/apk-risk-go/internal/middleware"
	"github.com/apk-analysis/apk-risk-go/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖，MemMonitor/Metrics/Hub 可为 nil
type Deps struct {
	Service    *service.AnalysisService
	Hub        *handlers.LiveHub
	MemMonitor *middleware.MemoryMonitor
	Metrics    *middleware.PrometheusMetrics
}

// SetupRouter 注册全部路由
func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Deps) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Prometheus 监控中间件
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
	}

	analysisHandler := handlers.NewAnalysisHandler(deps.Service, int64(cfg.Analysis.MaxUploadMB)<<20, logger)

	// 内存监控端点
	if deps.MemMonitor != nil {
		r.GET("/metrics", deps.MemMonitor.MetricsEndpoint())
	}

	// Prometheus 指标端点
	if deps.Metrics != nil {
		r.GET("/metrics/prometheus", deps.Metrics.Handler())
	}

	// 实时事件推送
	if deps.Hub != nil {
		r.GET("/ws/analyses", middleware.AuthMiddleware(cfg.Server.APIToken), deps.Hub.HandleWebSocket)
	}

	// 健康检查（无需认证）
	r.GET("/api/health", analysisHandler.Health)

	v1 := r.Group("/api")
	v1.Use(middleware.AuthMiddleware(cfg.Server.APIToken))
	{
		v1.POST("/analyze", analysisHandler.Analyze)
		v1.POST("/upload", analysisHandler.Upload)

		v1.GET("/analyses", analysisHandler.ListAnalyses)
		v1.GET("/analyses/:id", analysisHandler.GetAnalysis)
		v1.DELETE("/analyses/:id", analysisHandler.DeleteAnalysis)

		v1.GET("/stats", analysisHandler.GetStats)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", handlers.AnalysisIDHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
