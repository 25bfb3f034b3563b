// Package gateway exposes meeting sessions over HTTP: a REST surface for
// actions, a websocket control channel, and a server-sent event feed per
// client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/domain"
	"github.com/huddlekit/huddle/internal/guest"
	"github.com/huddlekit/huddle/internal/identity"
	"github.com/huddlekit/huddle/internal/session"
	"github.com/huddlekit/huddle/internal/store"
)

// Event is the envelope every feed (ws and sse) carries.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type clientEntry struct {
	sess   *session.Session
	conn   *wsConn
	ctx    context.Context
	cancel context.CancelFunc
}

type Gateway struct {
	cfg   *config.Config
	store store.Store
	sse   *sse.Server

	mu      sync.RWMutex
	clients map[string]*clientEntry
}

func New(cfg *config.Config, s store.Store) *Gateway {
	srv := sse.New()
	srv.AutoReplay = false
	return &Gateway{
		cfg:     cfg,
		store:   s,
		sse:     srv,
		clients: make(map[string]*clientEntry),
	}
}

// sessionFor returns the client's session, creating one on first use.
// Identity comes from the bearer token when present; guests carry none.
func (g *Gateway) sessionFor(clientID string, r *http.Request) *session.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.clients[clientID]; ok {
		return e.sess
	}

	var provider identity.Provider = identity.Static{}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		provider = identity.JWT{
			Token:  strings.TrimPrefix(auth, "Bearer "),
			Secret: g.cfg.Secret,
		}
	}

	sess := session.New(session.Params{
		Store:    g.store,
		Identity: provider,
		Origin:   g.cfg.Origin,
		Client:   "web",
		Fingerprint: guest.Fingerprint{
			UserAgent: r.UserAgent(),
			Locale:    r.Header.Get("Accept-Language"),
		},
		ICEServers: g.cfg.ICEServers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	g.clients[clientID] = &clientEntry{sess: sess, ctx: ctx, cancel: cancel}
	g.sse.CreateStream(clientID)
	go g.pump(ctx, clientID, sess)
	return sess
}

// clientCtx returns the client's lifetime context. Connections hang off it,
// not off the upgrade request, which net/http cancels when the handler
// returns.
func (g *Gateway) clientCtx(clientID string) context.Context {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.clients[clientID]; ok {
		return e.ctx
	}
	return context.Background()
}

// pump forwards one session's event streams to the client's feeds. Runs
// until the client is dropped.
func (g *Gateway) pump(ctx context.Context, clientID string, sess *session.Session) {
	for {
		var ev Event
		select {
		case <-ctx.Done():
			return
		case admitted := <-sess.AdmissionStatus():
			ev = Event{Type: "admission", Data: admitted}
		case roster := <-sess.Roster():
			ev = Event{Type: "roster", Data: roster}
		case waiting := <-sess.WaitingRoom():
			ev = Event{Type: "waitingRoom", Data: waiting}
		case n := <-sess.Notices():
			ev = Event{Type: "notice", Data: n}
		case tr := <-sess.Tracks():
			kind := ""
			if tr.Track != nil {
				kind = tr.Track.Kind().String()
			}
			ev = Event{Type: "track", Data: map[string]string{"peerId": tr.PeerID, "kind": kind}}
		}
		g.emit(clientID, ev)
	}
}

func (g *Gateway) emit(clientID string, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("marshal event")
		return
	}
	g.sse.Publish(clientID, &sse.Event{Event: []byte(ev.Type), Data: b})

	g.mu.RLock()
	e := g.clients[clientID]
	g.mu.RUnlock()
	if e != nil && e.conn != nil {
		if err := e.conn.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "gateway").Str("client", clientID).Msg("ws send dropped")
		}
	}
}

func (g *Gateway) bindConn(clientID string, c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.clients[clientID]; ok {
		e.conn = c
	}
}

func (g *Gateway) unbindConn(clientID string, c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.clients[clientID]; ok && e.conn == c {
		e.conn = nil
	}
}

// drop leaves the meeting (if any) and forgets the client.
func (g *Gateway) drop(ctx context.Context, clientID string) {
	g.mu.Lock()
	e, ok := g.clients[clientID]
	delete(g.clients, clientID)
	g.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	if err := e.sess.Leave(ctx); err != nil && !errors.Is(err, session.ErrNotJoined) {
		log.Error().Err(err).Str("module", "gateway").Str("client", clientID).Msg("leave on drop")
	}
	g.sse.RemoveStream(clientID)
}

// Shutdown drops every client.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.clients))
	for id := range g.clients {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.drop(ctx, id)
	}
	g.sse.Close()
}

func reactionPayload(kind domain.SignalKind, emoji, text string) domain.SignalPayload {
	return domain.SignalPayload{Kind: kind, Emoji: emoji, Text: text}
}
