package fleet

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sslup/sslup/core/store"
)

// AgentCredentials are the headers an agent presents on connect. All five
// are mandatory.
type AgentCredentials struct {
	ID        string
	Token     string
	OS        string
	OSVersion string
	Version   string
}

func agentCredentials(r *http.Request) AgentCredentials {
	return AgentCredentials{
		ID:        r.Header.Get("X-Agent-Id"),
		Token:     r.Header.Get("X-Agent-Token"),
		OS:        r.Header.Get("X-Os"),
		OSVersion: r.Header.Get("X-Os-Version"),
		Version:   r.Header.Get("X-Version"),
	}
}

// clientIP extracts the peer address, honoring the first hop of
// X-Forwarded-For when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are not browsers; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// AgentHandler returns the websocket endpoint agents connect to.
func (s *Service) AgentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creds := agentCredentials(r)
		ip := clientIP(r)
		agent, setup, err := s.Authenticate(r.Context(), creds, ip)
		if err != nil {
			s.log.Warn("agent connection rejected", "agentId", creds.ID, "ip", ip, "error", err)
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("websocket upgrade failed", "agentId", agent.ID, "error", err)
			return
		}
		s.serveAgent(r.Context(), conn, agent.ID, setup, creds, ip)
	})
}

// serveAgent owns one agent connection until it drops: a writer draining the
// session queue, a read loop dispatching requests. Each inbound frame
// doubles as a heartbeat.
func (s *Service) serveAgent(ctx context.Context, conn *websocket.Conn, agentID string, setup bool, creds AgentCredentials, ip string) {
	session := s.hub.NewSession()
	s.hub.Subscribe(session, AgentGroup(agentID))
	s.log.Info("agent connected", "agentId", agentID, "ip", ip, "setupMode", setup)

	go func() {
		for msg := range session.Receive() {
			if err := conn.WriteJSON(msg); err != nil {
				conn.Close()
				return
			}
		}
		conn.Close()
	}()

	defer func() {
		s.hub.Close(session)
		if !setup {
			s.markOffline(context.WithoutCancel(ctx), agentID)
		}
		s.log.Info("agent disconnected", "agentId", agentID)
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		agent, err := s.store.AgentByID(ctx, agentID)
		if err != nil {
			return // uninstalled or deleted mid-session
		}
		if !setup {
			if err := s.Heartbeat(ctx, agent, creds, ip); err != nil {
				s.log.Error("heartbeat persist failed", "agentId", agentID, "error", err)
			}
		}

		if done := s.dispatchAgent(ctx, session, agent, &setup, msg); done {
			return
		}
	}
}

// dispatchAgent handles one agent request. It reports true when the
// connection should close.
func (s *Service) dispatchAgent(ctx context.Context, session *Session, agent *store.Agent, setup *bool, msg Message) bool {
	if *setup && msg.Type != MsgRegister {
		session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: "not registered"}))
		return false
	}

	switch msg.Type {
	case MsgRegister:
		var req registerRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: "malformed payload"}))
			return false
		}
		token, err := s.Register(ctx, agent, req.IPs)
		if err != nil {
			session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: err.Error()}))
			return false
		}
		*setup = false
		session.Send(newMessage(MsgRegister, msg.ID, registerResponse{Token: token}))

	case MsgUpdateInfo:
		update, err := s.BuildUpdate(ctx, *agent)
		if err != nil {
			session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: err.Error()}))
			return false
		}
		session.Send(newMessage(MsgUpdate, msg.ID, update))

	case MsgCertificates:
		var req certificatesRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: "malformed payload"}))
			return false
		}
		bundles := s.Certificates(ctx, *agent, req.CertIDs)
		session.Send(newMessage(MsgCertificates, msg.ID, certificatesResponse{Certs: bundles}))

	case MsgLog:
		var req logRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: "malformed payload"}))
			return false
		}
		at := time.UnixMilli(req.Timestamp)
		if req.Timestamp == 0 {
			at = s.clock()
		}
		if err := s.IngestLog(ctx, *agent, req.Level, req.Message, at); err != nil {
			session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: err.Error()}))
			return false
		}
		session.Send(newMessage(MsgLog, msg.ID, resultResponse{Code: CodeOK}))

	case MsgUninstall:
		if err := s.Uninstall(ctx, *agent); err != nil {
			session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: err.Error()}))
			return false
		}
		session.Send(newMessage(MsgUninstall, msg.ID, resultResponse{Code: CodeOK}))
		return true

	default:
		session.Send(newMessage(MsgError, msg.ID, errorResponse{Error: "unknown message type"}))
	}
	return false
}

// markOffline records a disconnect, unless another session for the same
// agent is still live on this worker.
func (s *Service) markOffline(ctx context.Context, agentID string) {
	if s.hub.Count(AgentGroup(agentID)) > 0 {
		return
	}
	agent, err := s.store.AgentByID(ctx, agentID)
	if err != nil {
		return
	}
	agent.Online = false
	agent.LastSeen = s.clock()
	if err := s.store.ReplaceAgent(ctx, *agent); err != nil {
		s.log.Error("marking agent offline failed", "agentId", agentID, "error", err)
	}
}
