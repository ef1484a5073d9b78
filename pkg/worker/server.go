package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/event"
	"github.com/usbipice/usbipice/pkg/util"
)

// Server exposes the worker's control-plane surface: the HTTP API the
// control server calls and the event socket clients attach to.
type Server struct {
	cfg    *config.Worker
	mgr    *Manager
	router *gin.Engine
	http   *http.Server
	socket *event.Server
}

// NewServer wires the HTTP routes and the socket listener.
func NewServer(cfg *config.Worker, mgr *Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		router: router,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
			Handler: router,
		},
		socket: event.NewServer(mgr.Sender(), mgr.Request),
	}

	router.GET("/heartbeat", s.heartbeat)
	router.POST("/reserve", s.reserve)
	router.POST("/unreserve", s.unreserve)
	return s
}

// Start brings up both listeners. The HTTP server runs until Shutdown.
func (s *Server) Start() error {
	if err := s.socket.Listen(s.cfg.SocketPort()); err != nil {
		return err
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("worker http server: %v", err)
		}
	}()
	util.Infof("worker %s serving on :%d", s.cfg.Name, s.cfg.ServerPort)
	return nil
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.socket.Close()
	return s.http.Shutdown(ctx)
}

// heartbeat reports liveness plus a host utilization snapshot the control
// plane logs alongside the probe.
func (s *Server) heartbeat(c *gin.Context) {
	resp := gin.H{
		"name":    s.cfg.Name,
		"devices": s.mgr.DeviceCount(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory_percent"] = vm.UsedPercent
	}
	c.JSON(http.StatusOK, resp)
}

type reserveRequest struct {
	Serial     string                 `json:"serial" binding:"required"`
	Reservable string                 `json:"reservable" binding:"required"`
	Args       map[string]interface{} `json:"args"`
}

func (s *Server) reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.Reserve(req.Serial, req.Reservable, req.Args); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial": req.Serial})
}

type unreserveRequest struct {
	Serial string `json:"serial" binding:"required"`
}

func (s *Server) unreserve(c *gin.Context) {
	var req unreserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mgr.Unreserve(req.Serial); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serial": req.Serial})
}
