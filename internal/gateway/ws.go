package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWS(c *gin.Context) {
	clientID := c.GetString("client_token")
	log.Info().Str("module", "gateway").Str("client", clientID).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if g.cfg.ReadLimit > 0 {
		ws.SetReadLimit(g.cfg.ReadLimit)
	}

	conn := &wsConn{conn: ws, send: make(chan []byte, 32)}
	g.sessionFor(clientID, c.Request)
	g.bindConn(clientID, conn)

	ctx, cancel := context.WithCancel(g.clientCtx(clientID))
	go g.writePump(ctx, conn)
	go func() {
		defer cancel()
		defer g.unbindConn(clientID, conn)
		g.readPump(ctx, clientID, c.Request, conn)
	}()
}

func (g *Gateway) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "gateway").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "gateway").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "gateway").Msg("writePump write error")
				return
			}
		}
	}
}

func (g *Gateway) readPump(ctx context.Context, clientID string, r *http.Request, c *wsConn) {
	defer func() {
		log.Info().Str("module", "gateway").Str("client", clientID).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "gateway").Str("client", clientID).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "gateway").Str("client", clientID).Msg("readPump read error")
				return
			}
			g.handleCommand(ctx, clientID, r, c, data)
		}
	}
}

type wsCommand struct {
	Type          string `json:"type"`
	MeetingID     string `json:"meetingId,omitempty"`
	EntryLink     string `json:"entryLink,omitempty"`
	Title         string `json:"title,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	Email         string `json:"email,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Emoji         string `json:"emoji,omitempty"`
	Text          string `json:"text,omitempty"`
	Active        bool   `json:"active,omitempty"`
}

func (g *Gateway) handleCommand(ctx context.Context, clientID string, r *http.Request, c *wsConn, data []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("bad json")
		return
	}

	sess := g.sessionFor(clientID, r)
	switch cmd.Type {
	case "ping":
		g.sendJSON(c, Event{Type: "pong"})
	case "create":
		m, err := sess.Create(ctx, cmd.Title)
		if err != nil {
			g.sendError(c, err)
			return
		}
		g.sendJSON(c, Event{Type: "created", Data: m})
	case "join":
		if err := sess.Join(ctx, cmd.MeetingID, cmd.EntryLink); err != nil {
			g.sendError(c, err)
		}
	case "leave":
		if err := sess.Leave(ctx); err != nil {
			g.sendError(c, err)
		}
	case "end":
		if err := sess.End(ctx); err != nil {
			g.sendError(c, err)
		}
	case "admit":
		if err := sess.Admit(ctx, cmd.ParticipantID); err != nil {
			g.sendError(c, err)
		}
	case "deny":
		if err := sess.Deny(ctx, cmd.ParticipantID); err != nil {
			g.sendError(c, err)
		}
	case "invite":
		link, err := sess.InviteGuest(ctx, cmd.Email)
		if err != nil {
			g.sendError(c, err)
			return
		}
		g.sendJSON(c, Event{Type: "invite", Data: map[string]string{"entryLink": link}})
	case "say":
		payload := reactionPayload(domain.SignalKind(cmd.Kind), cmd.Emoji, cmd.Text)
		if err := sess.Broadcast(ctx, payload); err != nil {
			g.sendError(c, err)
		}
	case "audio":
		g.sendJSON(c, Event{Type: "audio", Data: sess.ToggleAudio()})
	case "video":
		g.sendJSON(c, Event{Type: "video", Data: sess.ToggleVideo()})
	case "screen":
		if cmd.Active {
			if err := sess.ShareScreen(ctx); err != nil {
				g.sendError(c, err)
				return
			}
		} else {
			sess.StopShareScreen()
		}
		g.sendJSON(c, Event{Type: "screen", Data: cmd.Active})
	default:
		log.Warn().Str("module", "gateway").Str("type", cmd.Type).Msg("unknown command")
	}
}

func (g *Gateway) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (g *Gateway) sendError(c *wsConn, err error) {
	g.sendJSON(c, Event{Type: "error", Data: err.Error()})
}
