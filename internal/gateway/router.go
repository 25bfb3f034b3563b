package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/session"
	"github.com/huddlekit/huddle/internal/store"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func (g *Gateway) SetupRouter() *gin.Engine {
	if g.cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if g.cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "gateway").Int("port", g.cfg.Port).Msg("router setup")

	api := r.Group("/api")

	api.POST("/meetings", g.handleCreate)
	api.POST("/meetings/:id/join", g.handleJoin)
	api.POST("/meetings/:id/leave", g.handleLeave)
	api.POST("/meetings/:id/end", g.handleEnd)
	api.POST("/meetings/:id/admit", g.handleAdmit)
	api.POST("/meetings/:id/deny", g.handleDeny)
	api.POST("/meetings/:id/invite", g.handleInvite)
	api.POST("/meetings/:id/say", g.handleSay)
	api.POST("/media/audio", g.handleToggleAudio)
	api.POST("/media/video", g.handleToggleVideo)
	api.POST("/media/screen", g.handleScreen)

	api.GET("/events", func(c *gin.Context) {
		clientID := c.GetString("client_token")
		g.sessionFor(clientID, c.Request)
		q := c.Request.URL.Query()
		q.Set("stream", clientID)
		c.Request.URL.RawQuery = q.Encode()
		g.sse.ServeHTTP(c.Writer, c.Request)
	})

	api.GET("/ws", func(c *gin.Context) {
		g.handleWS(c)
	})

	return r
}

func (g *Gateway) handleCreate(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	m, err := sess.Create(c.Request.Context(), req.Title)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (g *Gateway) handleJoin(c *gin.Context) {
	var req struct {
		EntryLink string `json:"entryLink"`
	}
	_ = c.ShouldBindJSON(&req)
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	if err := sess.Join(c.Request.Context(), c.Param("id"), req.EntryLink); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joining"})
}

func (g *Gateway) handleLeave(c *gin.Context) {
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	if err := sess.Leave(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (g *Gateway) handleEnd(c *gin.Context) {
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	if err := sess.End(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (g *Gateway) handleAdmit(c *gin.Context) {
	g.hostAction(c, func(sess *session.Session, participantID string) error {
		return sess.Admit(c.Request.Context(), participantID)
	})
}

func (g *Gateway) handleDeny(c *gin.Context) {
	g.hostAction(c, func(sess *session.Session, participantID string) error {
		return sess.Deny(c.Request.Context(), participantID)
	})
}

func (g *Gateway) hostAction(c *gin.Context, fn func(*session.Session, string) error) {
	var req struct {
		ParticipantID string `json:"participantId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	if err := fn(sess, req.ParticipantID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) handleInvite(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	_ = c.ShouldBindJSON(&req)
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	link, err := sess.InviteGuest(c.Request.Context(), req.Email)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entryLink": link})
}

func (g *Gateway) handleSay(c *gin.Context) {
	var req struct {
		Kind  string `json:"kind" binding:"required"`
		Emoji string `json:"emoji"`
		Text  string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	payload := reactionPayload(domain.SignalKind(req.Kind), req.Emoji, req.Text)
	if err := sess.Broadcast(c.Request.Context(), payload); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (g *Gateway) handleToggleAudio(c *gin.Context) {
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	c.JSON(http.StatusOK, gin.H{"enabled": sess.ToggleAudio()})
}

func (g *Gateway) handleToggleVideo(c *gin.Context) {
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	c.JSON(http.StatusOK, gin.H{"enabled": sess.ToggleVideo()})
}

func (g *Gateway) handleScreen(c *gin.Context) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess := g.sessionFor(c.GetString("client_token"), c.Request)
	if req.Active {
		if err := sess.ShareScreen(c.Request.Context()); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
	} else {
		sess.StopShareScreen()
	}
	c.JSON(http.StatusOK, gin.H{"sharing": req.Active})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotJoined):
		return http.StatusConflict
	case errors.Is(err, session.ErrAlreadyJoined):
		return http.StatusConflict
	case errors.Is(err, session.ErrMeetingEnded):
		return http.StatusGone
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
