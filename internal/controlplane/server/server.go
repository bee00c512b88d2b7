package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/deritrader/internal/latency"
	"github.com/betbot/deritrader/internal/metrics"
	"github.com/betbot/deritrader/internal/session"
)

var log = logrus.WithField("component", "controlplane")

// StatusSource 提供会话快照，*session.Session 满足该接口
type StatusSource interface {
	Status() session.Status
}

type Server struct {
	src StatusSource
}

func New(src StatusSource) *Server {
	return &Server{src: src}
}

type statusResponse struct {
	session.Status
	Counters map[string]int64 `json:"counters"`
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/latency", s.handleLatency)
	api.GET("/channels", s.handleChannels)

	return r
}

// handleHealthz 只有连接可用时返回 200
func (s *Server) handleHealthz(c *gin.Context) {
	st := s.src.Status()
	code := http.StatusOK
	if !st.State.Connected() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"state": st.State})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{Status: s.src.Status(), Counters: metrics.Counters()})
}

func (s *Server) handleLatency(c *gin.Context) {
	stats := s.src.Status().Latency
	if label := c.Query("label"); label != "" {
		for _, st := range stats {
			if st.Label == label {
				c.JSON(http.StatusOK, []latency.Stats{st})
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "no samples for label " + label})
		return
	}
	if stats == nil {
		stats = []latency.Stats{}
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleChannels(c *gin.Context) {
	channels := s.src.Status().Channels
	if channels == nil {
		channels = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// Serve 阻塞运行，ctx 结束时优雅关闭
func (s *Server) Serve(ctx context.Context, listenAddr string) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errC := make(chan error, 1)
	go func() {
		log.Infof("status api listening on %s", listenAddr)
		errC <- srv.ListenAndServe()
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "status api")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
