// Package httpapi exposes the peer endpoint and script controls over HTTP.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comalice/framescript"
	"github.com/comalice/framescript/internal/menu"
	"github.com/comalice/framescript/internal/report"
)

// Peers accepts peer connections.
type Peers interface {
	Serve(w http.ResponseWriter, r *http.Request, class framescript.PeerClass) error
	PeerCount(class framescript.PeerClass) int
}

// Menu lists and triggers stop actions.
type Menu interface {
	Labels() []string
	Trigger(label string) error
}

// Runs lists active runtimes and finished run reports.
type Runs interface {
	Active() []string
	Reports() []report.RunReport
}

// Handler serves the HTTP surface.
type Handler struct {
	peers  Peers
	menu   Menu
	runs   Runs
	logger *slog.Logger
}

func NewHandler(peers Peers, m Menu, runs Runs, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{peers: peers, menu: m, runs: runs, logger: logger}
}

// Router builds the gin engine.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.logging())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/peers/:class", h.ServePeer)
	router.GET("/peers/:class/count", h.PeerCount)
	router.GET("/scripts", h.ListScripts)
	router.POST("/scripts/stop", h.StopScript)
	router.GET("/runs", h.ListRuns)
	return router
}

// logging logs every request at debug level.
func (h *Handler) logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// ServePeer handles GET /peers/:class (websocket upgrade).
func (h *Handler) ServePeer(c *gin.Context) {
	class := framescript.PeerClass(c.Param("class"))
	if err := h.peers.Serve(c.Writer, c.Request, class); err != nil {
		h.logger.Debug("peer rejected", "class", class, "error", err)
	}
}

// PeerCount handles GET /peers/:class/count.
func (h *Handler) PeerCount(c *gin.Context) {
	class := framescript.PeerClass(c.Param("class"))
	c.JSON(http.StatusOK, gin.H{"class": class, "peers": h.peers.PeerCount(class)})
}

// ListScripts handles GET /scripts.
func (h *Handler) ListScripts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active": h.runs.Active(),
		"menu":   h.menu.Labels(),
	})
}

// StopScript handles POST /scripts/stop?label=.
func (h *Handler) StopScript(c *gin.Context) {
	label := c.Query("label")
	if label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
		return
	}
	if err := h.menu.Trigger(label); err != nil {
		if errors.Is(err, menu.ErrUnknownAction) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such script"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("stop requested", "label", label)
	c.JSON(http.StatusAccepted, gin.H{"label": label})
}

// ListRuns handles GET /runs.
func (h *Handler) ListRuns(c *gin.Context) {
	reports := h.runs.Reports()
	if reports == nil {
		reports = []report.RunReport{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": reports})
}
