// Package conversation implements the per-connection state machine:
// StartConversation → STARTED → VERIFIED → CHECKED_IN → RELAYING,
// dispatching each wire message to the storage, image-store, and search
// engine components and replying with the right protoerr.Kind.
package conversation

import (
	"bufio"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/imagestore"
	"github.com/shurlinet/profileserver/internal/protoerr"
	"github.com/shurlinet/profileserver/internal/roleserver"
	"github.com/shurlinet/profileserver/internal/search"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/wire"
)

// State is a connection's position in the conversation state machine.
type State uint8

const (
	StateNew State = iota
	StateStarted
	StateVerified
	StateCheckedIn
	StateRelaying
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarted:
		return "STARTED"
	case StateVerified:
		return "VERIFIED"
	case StateCheckedIn:
		return "CHECKED_IN"
	case StateRelaying:
		return "RELAYING"
	default:
		return "UNKNOWN"
	}
}

// OverallIdleCeiling is the absolute lifetime cap on an idle connection
// regardless of auth state.
const OverallIdleCeiling = 30 * time.Minute

// Per-role maximum ProfileSearch page sizes; the non-TLS client role
// gets the reduced cap.
const (
	SearchCapClientTLS    = 1000
	SearchCapClientNonTLS = 100
)

// Ports is the set of listener ports reported by ListRoles.
type Ports struct {
	Primary       uint32
	ClientNonTLS  uint32
	ClientTLS     uint32
	AppServiceTLS uint32
}

// Outbox enqueues one replication action per follower inside the same
// transaction as the hosted-identity mutation that triggered it. The
// neighborhood replicator provides the implementation; a nil Outbox (in
// tests without replication wired) skips the enqueue.
type Outbox interface {
	EnqueueTx(tx *gorm.DB, kind wire.NeighborhoodActionKind, row *storage.IdentityRow) error
}

// NeighborhoodHandler processes the neighbor-to-neighbor replication
// messages that arrive as single requests on the primary role.
type NeighborhoodHandler interface {
	HandleStartSharing(payload []byte) ([]byte, *protoerr.Error)
	HandleInitialization(payload []byte) ([]byte, *protoerr.Error)
	HandleSharedBatch(payload []byte) ([]byte, *protoerr.Error)
	HandleAction(payload []byte) ([]byte, *protoerr.Error)
}

// Deps bundles every component a Conversation dispatches into.
type Deps struct {
	DB            *gorm.DB
	Home          *storage.HomeIdentityRepository
	Neighbor      *storage.NeighborIdentityRepository
	Images        *imagestore.Store
	Search        *search.Engine
	Hub           *Hub
	Relationships *RelationshipStore
	Outbox        Outbox
	Neighborhood  NeighborhoodHandler
	Ports         Ports
	Log           *slog.Logger

	// NetworkIdentity signs this server's own StartConversation challenge
	// response.
	NetworkIdentity *identity.KeyPair
}

// Conversation is one accepted connection tracked through the state machine.
type Conversation struct {
	conn roleserver.DeadlineConn
	role roleserver.Role
	deps Deps

	w *bufio.Writer
	r *bufio.Reader

	state State

	// version is the protocol version pinned at StartConversation; every
	// later envelope tagged with a different version is a protocol
	// violation.
	version string

	clientPublicKey []byte
	clientChallenge []byte // the challenge *we* issued, echoed back on CheckIn
	hostedIdentity  identity.ID

	channelName string // set once ApplicationServiceMessage pairs this conversation on a channel
}

// Handle drives one accepted connection through the state machine; the
// kernel's roleserver.Handler adapter calls it. It owns the connection for
// its whole lifetime, including any RELAYING hand-off.
func Handle(conn roleserver.DeadlineConn, role roleserver.Role, deps Deps) {
	c := &Conversation{
		conn:  conn,
		role:  role,
		deps:  deps,
		w:     bufio.NewWriter(conn),
		r:     bufio.NewReader(conn),
		state: StateNew,
	}
	c.run()
}

func (c *Conversation) run() {
	conn := c.conn
	_ = conn.SetPreAuthDeadline()
	deadline := time.Now().Add(OverallIdleCeiling)

	for {
		if time.Now().After(deadline) {
			return
		}
		env, outcome, err := wire.ReadFrame(c.r)
		if err != nil {
			c.deps.logf("conversation: read error: %v", err)
			return
		}
		switch outcome {
		case wire.OutcomeEOF:
			return
		case wire.OutcomeProtocolViolation:
			wire.WriteFrame(c.w, wire.ProtocolViolationEnvelope())
			c.w.Flush()
			return
		}

		if env.Kind != wire.KindRequest || env.Request == nil {
			wire.WriteFrame(c.w, wire.ProtocolViolationEnvelope())
			c.w.Flush()
			return
		}

		closeConn := c.dispatch(env)
		c.w.Flush()
		if closeConn {
			return
		}
		if c.state == StateRelaying {
			return // relaying takes over the connection from here
		}
	}
}

// dispatch runs one request through the state-transition table and writes
// its response. It reports whether the connection should now be closed.
func (c *Conversation) dispatch(env *wire.Envelope) (closeConn bool) {
	req := env.Request
	if perr := c.checkVersion(env); perr != nil {
		c.reply(env.ID, req, perr)
		return true
	}
	if !c.allowedInState(req.Type) {
		c.reply(env.ID, req, protoerr.New(protoerr.KindBadConversationStatus, "message illegal in state "+c.state.String()))
		return false
	}

	var payload []byte
	var perr *protoerr.Error

	switch req.Type {
	case wire.MsgStartConversation:
		payload, perr = c.handleStartConversation(req.Payload)
	case wire.MsgHomeNodeRequest:
		payload, perr = c.handleHomeNodeRequest(req.Payload)
	case wire.MsgCheckIn:
		payload, perr = c.handleCheckIn(req.Payload)
	case wire.MsgUpdateProfile:
		payload, perr = c.handleUpdateProfile(req.Payload)
	case wire.MsgProfileSearch:
		payload, perr = c.handleProfileSearch(req.Payload)
	case wire.MsgAddRelatedIdentity:
		payload, perr = c.handleAddRelatedIdentity(req.Payload)
	case wire.MsgGetIdentityRelationshipsInformation:
		payload, perr = c.handleGetIdentityRelationships(req.Payload)
	case wire.MsgApplicationServiceAdd:
		payload, perr = c.handleApplicationServiceAdd(req.Payload)
	case wire.MsgApplicationServiceMessage:
		payload, perr = c.handleApplicationServiceMessage(req.Payload)
	case wire.MsgListRoles:
		payload, perr = c.handleListRoles(req.Payload)
	case wire.MsgCancelHostingAgreement:
		payload, perr = c.handleCancelHostingAgreement(req.Payload)
	case wire.MsgStartNeighborhoodSharing:
		payload, perr = c.deps.Neighborhood.HandleStartSharing(req.Payload)
	case wire.MsgNeighborhoodInitialization:
		payload, perr = c.deps.Neighborhood.HandleInitialization(req.Payload)
	case wire.MsgNeighborhoodSharedProfileBatch:
		payload, perr = c.deps.Neighborhood.HandleSharedBatch(req.Payload)
	case wire.MsgNeighborhoodAction:
		payload, perr = c.deps.Neighborhood.HandleAction(req.Payload)
	default:
		perr = protoerr.New(protoerr.KindProtocolViolation, "unknown message type")
	}

	if perr != nil {
		c.reply(env.ID, req, perr)
		return perr.Kind.ClosesConnection() || isSingleRequest(req.Type)
	}

	c.replyOK(env.ID, req, payload)
	return isSingleRequest(req.Type)
}

// checkVersion enforces the version pinned at StartConversation: once
// negotiated, an envelope tagged with any other version is a protocol
// violation. StartConversation itself (and untagged envelopes, since the
// server tracks the pin per conversation) pass through.
func (c *Conversation) checkVersion(env *wire.Envelope) *protoerr.Error {
	if c.version == "" || env.Request.Type == wire.MsgStartConversation {
		return nil
	}
	if env.Version != "" && env.Version != c.version {
		return protoerr.New(protoerr.KindProtocolViolation,
			"envelope version "+env.Version+" outside pinned version "+c.version)
	}
	return nil
}

// isSingleRequest reports whether t is a non-conversation request that
// carries one request plus one response and then closes.
func isSingleRequest(t wire.MessageType) bool {
	switch t {
	case wire.MsgStartNeighborhoodSharing, wire.MsgNeighborhoodInitialization,
		wire.MsgNeighborhoodSharedProfileBatch, wire.MsgNeighborhoodAction:
		return true
	default:
		return false
	}
}

func (c *Conversation) reply(id uint32, req *wire.Request, perr *protoerr.Error) {
	wire.WriteFrame(c.w, &wire.Envelope{
		ID:      id,
		Version: c.version,
		Kind:    wire.KindResponse,
		Response: &wire.Response{
			Family: req.Family,
			Type:   req.Type,
			Status: wire.StatusFromKind(perr.Kind),
		},
	})
}

func (c *Conversation) replyOK(id uint32, req *wire.Request, payload []byte) {
	wire.WriteFrame(c.w, &wire.Envelope{
		ID:      id,
		Version: c.version,
		Kind:    wire.KindResponse,
		Response: &wire.Response{
			Family:  req.Family,
			Type:    req.Type,
			Status:  wire.StatusOK,
			Payload: payload,
		},
	})
}

// allowedInState is the per-state message legality table.
func (c *Conversation) allowedInState(t wire.MessageType) bool {
	switch t {
	case wire.MsgStartConversation:
		return c.state == StateNew
	case wire.MsgHomeNodeRequest:
		return c.state == StateStarted && c.role == roleserver.RoleClientTLS
	case wire.MsgCheckIn:
		return c.state == StateStarted || c.state == StateVerified
	case wire.MsgUpdateProfile, wire.MsgCancelHostingAgreement:
		return c.state == StateCheckedIn
	case wire.MsgProfileSearch:
		return c.state == StateVerified || c.state == StateCheckedIn
	case wire.MsgAddRelatedIdentity, wire.MsgGetIdentityRelationshipsInformation:
		return c.state == StateVerified || c.state == StateCheckedIn
	case wire.MsgApplicationServiceAdd, wire.MsgApplicationServiceMessage:
		return c.state == StateCheckedIn && c.role == roleserver.RoleAppServiceTLS
	case wire.MsgListRoles:
		return c.state == StateNew || c.state == StateStarted || c.state == StateVerified || c.state == StateCheckedIn
	case wire.MsgStartNeighborhoodSharing, wire.MsgNeighborhoodInitialization,
		wire.MsgNeighborhoodSharedProfileBatch, wire.MsgNeighborhoodAction:
		// Neighbor-to-neighbor messages are single requests on the primary
		// role; they never ride a started conversation.
		return c.role == roleserver.RolePrimary && c.deps.Neighborhood != nil && c.state == StateNew
	default:
		return false
	}
}

func (d Deps) logf(msg string, args ...any) {
	if d.Log != nil {
		d.Log.Warn(msg, "error", args)
	}
}
