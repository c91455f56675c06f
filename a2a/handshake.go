// Package a2a implements the agent-to-agent handshake: a request/response
// negotiation over the event bus that establishes capability and session
// agreement before two agents collaborate.
package a2a

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/bus"
	"github.com/nexusflow/dispatch/types"
)

// ProtocolVersion is the handshake protocol version spoken by this module.
// Peers must agree on the major version.
const ProtocolVersion = "1.2.0"

// DefaultHandshakeTimeout bounds how long a handshake waits for a response.
const DefaultHandshakeTimeout = 10 * time.Second

// Session is an established agent-to-agent session.
type Session struct {
	ID            string    `json:"id"`
	LocalID       string    `json:"local_id"`
	PeerID        string    `json:"peer_id"`
	PeerVersion   string    `json:"peer_version"`
	Capabilities  []string  `json:"capabilities"`
	EstablishedAt time.Time `json:"established_at"`
}

type handshakeReply struct {
	version      string
	capabilities []string
	peerID       string
}

// Client initiates handshakes on behalf of one local agent.
type Client struct {
	agentID string
	timeout time.Duration
	events  bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]chan handshakeReply
	subID   string
}

// NewClient creates a Client listening for handshake responses addressed
// to agentID. timeout <= 0 uses DefaultHandshakeTimeout.
func NewClient(agentID string, timeout time.Duration, events bus.Bus, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		agentID: agentID,
		timeout: timeout,
		events:  events,
		logger:  logger.With(zap.String("component", "a2a_client"), zap.String("agent_id", agentID)),
		pending: make(map[string]chan handshakeReply),
	}
	c.subID = events.Subscribe(bus.EventHandshakeResponse, c.onResponse)
	return c
}

// Close cancels the client's response subscription.
func (c *Client) Close() {
	c.events.Unsubscribe(c.subID)
}

func (c *Client) onResponse(e bus.Event) {
	data := e.Payload()
	requestID, _ := data["request_id"].(string)
	if requestID == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		// Either not our request or the timeout already won the race.
		return
	}

	reply := handshakeReply{}
	reply.version, _ = data["version"].(string)
	reply.peerID, _ = data["from"].(string)
	if caps, ok := data["capabilities"].([]string); ok {
		reply.capabilities = caps
	}
	ch <- reply
}

// Handshake negotiates a session with the target agent. It suspends until
// a matching response arrives or the timeout fires, whichever comes
// first; the loser's registration is cancelled either way.
func (c *Client) Handshake(ctx context.Context, targetID string) (*Session, error) {
	requestID := uuid.NewString()
	ch := make(chan handshakeReply, 1)

	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	c.events.Publish(bus.NewMessage(bus.EventHandshakeRequest, map[string]any{
		"request_id": requestID,
		"from":       c.agentID,
		"to":         targetID,
		"version":    ProtocolVersion,
	}))
	c.logger.Debug("handshake requested",
		zap.String("request_id", requestID),
		zap.String("target", targetID),
	)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if !compatibleVersion(reply.version) {
			return nil, types.NewError(types.ErrProtocolVersionMismatch,
				fmt.Sprintf("peer %s speaks protocol %s, local %s", reply.peerID, reply.version, ProtocolVersion))
		}
		session := &Session{
			ID:            uuid.NewString(),
			LocalID:       c.agentID,
			PeerID:        reply.peerID,
			PeerVersion:   reply.version,
			Capabilities:  reply.capabilities,
			EstablishedAt: time.Now(),
		}
		c.events.Publish(bus.NewMessage(bus.EventHandshakeCompleted, map[string]any{
			"session_id": session.ID,
			"from":       c.agentID,
			"to":         reply.peerID,
		}))
		return session, nil

	case <-timer.C:
		c.cancelPending(requestID)
		return nil, types.NewError(types.ErrHandshakeTimeout,
			fmt.Sprintf("handshake with %s timed out after %s", targetID, c.timeout))

	case <-ctx.Done():
		c.cancelPending(requestID)
		return nil, ctx.Err()
	}
}

// cancelPending drops the pending entry so a late response is ignored.
func (c *Client) cancelPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// compatibleVersion checks major-version agreement.
func compatibleVersion(peer string) bool {
	if peer == "" {
		return false
	}
	localMajor, _, _ := strings.Cut(ProtocolVersion, ".")
	peerMajor, _, _ := strings.Cut(peer, ".")
	return localMajor == peerMajor
}

// Responder answers handshake requests addressed to one local agent,
// advertising its capabilities.
type Responder struct {
	agentID      string
	capabilities []string
	events       bus.Bus
	logger       *zap.Logger
	subID        string
}

// NewResponder creates a Responder and subscribes it to handshake
// requests.
func NewResponder(agentID string, capabilities []string, events bus.Bus, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Responder{
		agentID:      agentID,
		capabilities: capabilities,
		events:       events,
		logger:       logger.With(zap.String("component", "a2a_responder"), zap.String("agent_id", agentID)),
	}
	r.subID = events.Subscribe(bus.EventHandshakeRequest, r.onRequest)
	return r
}

// Close cancels the responder's subscription.
func (r *Responder) Close() {
	r.events.Unsubscribe(r.subID)
}

func (r *Responder) onRequest(e bus.Event) {
	data := e.Payload()
	to, _ := data["to"].(string)
	if to != r.agentID {
		return
	}
	requestID, _ := data["request_id"].(string)
	from, _ := data["from"].(string)

	r.events.Publish(bus.NewMessage(bus.EventHandshakeResponse, map[string]any{
		"request_id":   requestID,
		"from":         r.agentID,
		"to":           from,
		"version":      ProtocolVersion,
		"capabilities": r.capabilities,
	}))
	r.logger.Debug("handshake answered", zap.String("request_id", requestID), zap.String("peer", from))
}
