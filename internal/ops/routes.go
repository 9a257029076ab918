package ops

import (
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"herald/internal/directory"
	"herald/internal/notification"
	"herald/internal/notifier/orchestrator"
	logx "herald/pkg/logx"
)

type createRequest struct {
	ID       string                `json:"id" binding:"omitempty,max=64"`
	Title    string                `json:"title" binding:"max=256"`
	Content  string                `json:"content" binding:"required"`
	Format   string                `json:"format" binding:"omitempty,oneof=text markdown html"`
	Audience notification.Audience `json:"audience"`
}

type importRequest struct {
	Members []string `json:"members" binding:"required,max=100000,dive,required"`
}

type notificationResponse struct {
	Notification  notification.Record     `json:"notification"`
	Orchestration *orchestrator.Progress `json:"orchestration,omitempty"`
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	api := r.Group("/", s.auth())
	api.GET("/healthz", s.healthz)
	if s.deps.Metrics != nil {
		api.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.Runtime != nil {
		api.GET("/v1/runtime", func(c *gin.Context) { c.JSON(http.StatusOK, s.deps.Runtime()) })
	}

	v1 := api.Group("/v1")
	v1.POST("/notifications", s.createNotification)
	v1.GET("/notifications/:id", s.getNotification)
	v1.POST("/notifications/:id/dispatch", s.dispatch)
	v1.POST("/notifications/:id/cancel", s.cancel)
	v1.POST("/notifications/:id/force-complete", s.forceComplete)
	v1.PUT("/directory/groups/:id", s.importMembers(directory.KindGroup))
	v1.PUT("/directory/rosters/:id", s.importMembers(directory.KindRoster))

	if s.cfg.Pprof {
		dbg := api.Group("/debug/pprof")
		dbg.GET("/*name", pprofHandler)
		dbg.POST("/symbol", gin.WrapF(hpprof.Symbol))
	}
	return r
}

func (s *Server) healthz(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createNotification(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := req.Audience.Kind(); err != nil {
		s.fail(c, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := s.deps.Notifications.GetNotification(c.Request.Context(), id); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "notification already exists"})
		return
	}
	rec, err := s.deps.Notifications.CreateNotification(c.Request.Context(), notification.Record{
		ID:       id,
		Title:    req.Title,
		Content:  req.Content,
		Format:   req.Format,
		Audience: req.Audience,
		Status:   notification.StatusDraft,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) getNotification(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := s.deps.Notifications.GetNotification(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := notificationResponse{Notification: rec}
	if p, err := s.deps.Control.Progress(ctx, rec.ID); err == nil {
		resp.Orchestration = &p
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) dispatch(c *gin.Context) {
	rec, err := s.deps.Control.Dispatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (s *Server) cancel(c *gin.Context) {
	rec, err := s.deps.Control.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) forceComplete(c *gin.Context) {
	if err := s.deps.Control.ForceComplete(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

func (s *Server) importMembers(kind directory.GroupKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req importRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.deps.Members.ImportMembers(c.Request.Context(), kind, c.Param("id"), req.Members); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// fail maps domain errors onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, notification.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, notification.ErrIllegalStatus):
		code = http.StatusConflict
	case errors.Is(err, notification.ErrInvalidAudience):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error("ops request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("ops request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) auth() gin.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
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
		} else if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
			if strings.TrimSpace(strings.TrimPrefix(ah, "Bearer ")) == tok {
				c.Next()
				return
			}
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func pprofHandler(c *gin.Context) {
	switch strings.TrimPrefix(c.Param("name"), "/") {
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		// Index serves the named profiles too; paths are rooted at /debug/pprof/.
		hpprof.Index(c.Writer, c.Request)
	}
}
