package control

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/usbipice/usbipice/pkg/config"
	"github.com/usbipice/usbipice/pkg/event"
	"github.com/usbipice/usbipice/pkg/util"
)

// Server exposes the control HTTP API and the reservation event socket.
type Server struct {
	cfg    *config.Control
	ctl    *Control
	router *gin.Engine
	http   *http.Server
	socket *event.Server
}

// NewServer wires the routes.
func NewServer(cfg *config.Control, ctl *Control) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		ctl:    ctl,
		router: router,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: router,
		},
		// the control socket only pushes events downstream
		socket: event.NewServer(ctl.Sender(), nil),
	}

	// every endpoint answers GET as well as POST; clients and the log
	// shippers send GET requests carrying a JSON body
	routes := map[string]gin.HandlerFunc{
		"/reserve":   s.reserve,
		"/extend":    s.extend,
		"/extendall": s.extendAll,
		"/end":       s.end,
		"/endall":    s.endAll,
		"/log":       s.ingestLogs,
	}
	for path, handler := range routes {
		router.GET(path, handler)
		router.POST(path, handler)
	}
	return s
}

// Start brings up both listeners.
func (s *Server) Start() error {
	if err := s.socket.Listen(s.cfg.SocketPort()); err != nil {
		return err
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("control http server: %v", err)
		}
	}()
	util.Infof("control serving on :%d", s.cfg.Port)
	return nil
}

// Shutdown stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.socket.Close()
	return s.http.Shutdown(ctx)
}

type reserveRequest struct {
	ClientID   string                 `json:"client_id" binding:"required"`
	Amount     int                    `json:"amount" binding:"required"`
	Reservable string                 `json:"reservable" binding:"required"`
	Args       map[string]interface{} `json:"args"`
}

func (s *Server) reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reserved, err := s.ctl.Reserve(c.Request.Context(), req.ClientID, req.Amount, req.Reservable, req.Args)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	devices := make([]gin.H, 0, len(reserved))
	for _, dev := range reserved {
		devices = append(devices, gin.H{
			"serial": dev.Serial, "ip": dev.IP, "server_port": dev.ServerPort,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

type serialsRequest struct {
	ClientID string   `json:"client_id" binding:"required"`
	Serials  []string `json:"serials" binding:"required"`
}

type clientRequest struct {
	ClientID string `json:"client_id" binding:"required"`
}

func (s *Server) extend(c *gin.Context) {
	var req serialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	extended, err := s.ctl.Extend(c.Request.Context(), req.ClientID, req.Serials)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serials": extended})
}

func (s *Server) extendAll(c *gin.Context) {
	var req clientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	extended, err := s.ctl.ExtendAll(c.Request.Context(), req.ClientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serials": extended})
}

func (s *Server) end(c *gin.Context) {
	var req serialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ended, err := s.ctl.End(c.Request.Context(), req.ClientID, req.Serials)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serials": ended})
}

func (s *Server) endAll(c *gin.Context) {
	var req clientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ended, err := s.ctl.EndAll(c.Request.Context(), req.ClientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"serials": ended})
}

type logBatch struct {
	Name string           `json:"name" binding:"required"`
	Logs [][2]interface{} `json:"logs"`
}

// ingestLogs accepts a worker's shipped log batch. Workers send these as
// GET with a JSON body.
func (s *Server) ingestLogs(c *gin.Context) {
	var batch logBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.ctl.IngestLogs(batch.Name, batch.Logs)
	c.JSON(http.StatusOK, gin.H{"ingested": len(batch.Logs)})
}
