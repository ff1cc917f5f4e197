package display

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/and161185/presence/internal/auth"
	"github.com/and161185/presence/internal/errs"
	"github.com/and161185/presence/internal/model"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// SessionLookup resolves the session a display asks for.
type SessionLookup interface {
	GetSession(ctx context.Context, id uuid.UUID) (*model.Session, error)
}

// Handler serves the display websocket and a health probe.
type Handler struct {
	hub      *Hub
	sessions SessionLookup
	verifier *auth.Verifier
	origins  map[string]bool
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler builds the HTTP surface. An empty origins list accepts any origin.
func NewHandler(hub *Hub, sessions SessionLookup, verifier *auth.Verifier, origins []string, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		hub:      hub,
		sessions: sessions,
		verifier: verifier,
		origins:  make(map[string]bool, len(origins)),
		log:      log,
	}
	for _, o := range origins {
		h.origins[o] = true
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/sessions/:id/display", h.display)

	allowed := origins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Authorization"},
	}).Handler(r)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	return h.origins[origin]
}

func (h *Handler) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.log.Info("http",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("dur", time.Since(start)),
		zap.String("peer", c.ClientIP()),
	)
}

func (h *Handler) identity(c *gin.Context) (auth.Identity, error) {
	tok, ok := auth.BearerFromHeader(c.GetHeader("Authorization"))
	if !ok {
		tok = c.Query("access_token")
	}
	return h.verifier.Verify(tok)
}

func (h *Handler) display(c *gin.Context) {
	who, err := h.identity(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	if who.Role != auth.RoleStaff {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "staff only"})
		return
	}
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad session id"})
		return
	}
	s, err := h.sessions.GetSession(c.Request.Context(), id)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	case err != nil:
		h.log.Warn("display: session lookup failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	case s.StaffID != who.UserID:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not the session owner"})
		return
	case s.Ended():
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "session ended"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Info("display: upgrade failed", zap.Error(err))
		return
	}
	h.stream(conn, id.String())
}

// stream writes frames until the session closes or the peer goes away.
func (h *Handler) stream(conn *websocket.Conn, sessionID string) {
	sub := h.hub.Subscribe(sessionID)
	defer sub.Close()
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("display: read", zap.Error(err))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case f, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
