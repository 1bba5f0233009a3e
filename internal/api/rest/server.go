package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/api/websocket"
	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
	"github.com/orharazi/Scratch-Desk-sub002/internal/config"
	"github.com/orharazi/Scratch-Desk-sub002/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		// Homing answers only once the axes are back at the origin.
		WriteTimeout: cfg.Hardware.HomingTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.login)

		authed := v1.Group("")
		authed.Use(s.authService.AuthMiddleware())

		authed.GET("/auth/me", s.currentOperator)
		authed.GET("/system/status", auth.RequirePermission(auth.PermOperate), s.getSystemStatus)

		programs := authed.Group("/programs")
		{
			programs.GET("", auth.RequirePermission(auth.PermOperate), s.listPrograms)
			programs.GET("/:number", auth.RequirePermission(auth.PermOperate), s.getProgram)
			programs.GET("/:number/steps", auth.RequirePermission(auth.PermOperate), s.previewSteps)
			programs.PUT("/:number", auth.RequirePermission(auth.PermMaintain), s.saveProgram)
			programs.DELETE("/:number", auth.RequirePermission(auth.PermMaintain), s.deleteProgram)
		}

		execution := authed.Group("/execution")
		execution.Use(auth.RequirePermission(auth.PermOperate))
		{
			execution.GET("/status", s.getExecutionStatus)
			execution.POST("/start", s.startExecution)
			execution.POST("/pause", s.pauseExecution)
			execution.POST("/resume", s.resumeExecution)
			execution.POST("/stop", s.stopExecution)
			execution.POST("/emergency-stop", s.emergencyStop)
			execution.POST("/reset", s.resetExecution)
			execution.POST("/retry", s.retryExecution)
		}

		executions := authed.Group("/executions")
		executions.Use(auth.RequirePermission(auth.PermOperate))
		{
			executions.GET("", s.listExecutions)
			executions.GET("/:id", s.getExecution)
			executions.GET("/:id/events", s.getExecutionEvents)
		}

		machine := authed.Group("/machine")
		{
			machine.GET("/status", auth.RequirePermission(auth.PermOperate), s.getMachineStatus)
			machine.POST("/command", auth.RequirePermission(auth.PermOperate), s.executeMachineCommand)
			machine.POST("/home", auth.RequirePermission(auth.PermMaintain), s.homeMachine)
			machine.POST("/mode", auth.RequirePermission(auth.PermMaintain), s.switchMode)
		}

		// Auth for the live feed happens in the first message.
		v1.GET("/ws/live", s.wsLiveConnection)
		authed.GET("/ws/status", auth.RequirePermission(auth.PermOperate), s.wsStatus)
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request, false)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
