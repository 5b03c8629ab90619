package web

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/XANi/cozy2prom/diag"
	"github.com/XANi/cozy2prom/explorer"
	"github.com/efigence/go-mon"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Config struct {
	Logger      *zap.SugaredLogger
	ListenAddr  string
	Coordinator *explorer.Coordinator
	Exporter    *diag.Exporter
	// gatherer backing /metrics
	Metrics prometheus.Gatherer
	Debug   bool
}

type Server struct {
	cfg Config
	r   *gin.Engine
}

func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(cfg.Logger.Desugar(), time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(cfg.Logger.Desugar(), true))

	s := &Server{cfg: cfg, r: r}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{})))
	r.GET("/_status/health", gin.WrapF(mon.HandleHealthcheck))
	r.GET("/healthz", s.healthz)
	r.GET("/diagnostics", s.diagnostics)
	r.POST("/refresh", s.refresh)
	r.GET("/devices", s.devices)
	return s, nil
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.r
}

func (s *Server) Run() error {
	s.cfg.Logger.Infof("listening on %s", s.cfg.ListenAddr)
	return s.r.Run(s.cfg.ListenAddr)
}

func (s *Server) healthz(c *gin.Context) {
	st := s.cfg.Coordinator.Status()
	code := http.StatusOK
	if st.Degraded {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

// diagnostics streams the full export, the "download diagnostics"
// action of the operator surface
func (s *Server) diagnostics(c *gin.Context) {
	doc := s.cfg.Exporter.Export()
	c.Header("Content-Disposition", "attachment; filename=cozy2prom-diagnostics.json")
	c.IndentedJSON(http.StatusOK, doc)
}

func (s *Server) refresh(c *gin.Context) {
	s.cfg.Coordinator.ForceRefresh()
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh requested"})
}

func (s *Server) devices(c *gin.Context) {
	snap := s.cfg.Coordinator.Current()
	if snap == nil {
		c.JSON(http.StatusOK, gin.H{"devices": []any{}, "snapshot_seq": 0})
		return
	}
	type deviceSummary struct {
		ID        string `json:"id"`
		Label     string `json:"label,omitempty"`
		Type      string `json:"type,omitempty"`
		Available bool   `json:"available"`
		States    int    `json:"states"`
		Commands  int    `json:"commands"`
	}
	out := make([]deviceSummary, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		out = append(out, deviceSummary{
			ID:        d.ID,
			Label:     d.Label,
			Type:      d.Type,
			Available: d.Available,
			States:    len(d.States),
			Commands:  len(d.Commands),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{
		"snapshot_seq": snap.Seq,
		"taken_at":     snap.TakenAt,
		"devices":      out,
	})
}
