package sshcore

import (
	"crypto"
	"crypto/rand"
	"hash"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState is the top-level connection state machine of spec.md
// §4.D. A Session is in exactly one of these at a time (spec.md §3
// invariant); transitions happen only in Listener.Accept, the handshake
// driver (handshake.go) and Session.fail.
type SessionState int

const (
	StateNone SessionState = iota
	StateConnecting
	StateSocketConnected
	StateBannerReceived
	StateInitialKex
	StateKexInitReceived
	StateDH
	StateAuthenticating
	StateDisconnected
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateSocketConnected:
		return "socket_connected"
	case StateBannerReceived:
		return "banner_received"
	case StateInitialKex:
		return "initial_kex"
	case StateKexInitReceived:
		return "kexinit_received"
	case StateDH:
		return "dh"
	case StateAuthenticating:
		return "authenticating"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DHState is the DH key-exchange sub-state of spec.md §4.D.
type DHState int

const (
	DHInit DHState = iota
	DHInitSent
	DHNewKeysSent
	DHFinished
)

// AuthMethod is a bitmask of advertised USERAUTH methods. Default is
// publickey|password per spec.md §4.E.
type AuthMethod uint32

const (
	AuthMethodNone AuthMethod = 1 << iota
	AuthMethodPassword
	AuthMethodPublicKey
	AuthMethodKeyboardInteractive
)

func (m AuthMethod) names() []string {
	var out []string
	if m&AuthMethodPublicKey != 0 {
		out = append(out, "publickey")
	}
	if m&AuthMethodPassword != 0 {
		out = append(out, "password")
	}
	if m&AuthMethodKeyboardInteractive != 0 {
		out = append(out, "keyboard-interactive")
	}
	return out
}

const defaultAuthMethods = AuthMethodPublicKey | AuthMethodPassword

// handshakeMagics holds the four byte strings the exchange hash is
// computed over besides the DH values themselves: V_C, V_S, I_C, I_S.
// Both KEXINIT payloads are retained verbatim until H is computed, per
// spec.md §3's invariant, then may be discarded.
type handshakeMagics struct {
	clientVersion, serverVersion []byte
	clientKexInit, serverKexInit []byte
}

// cryptoContext is the per-direction key material derived from a
// completed key exchange (spec.md §3's CryptoContext).
type cryptoContext struct {
	cipherAlgo string
	macAlgo    string

	cipher    streamCipher
	macKey    []byte
	hashNew   func() hash.Hash
	blockSize int
}

// cryptoContextGeneration bundles both directions' cryptoContext for one
// key exchange. spec.md §3 models this as "current_crypto" and
// "next_crypto": the server derives next the moment it has sent its own
// KEXDH_REPLY/NEWKEYS (handleKexDHInit), and NEWKEYS reception
// (handleNewKeys) "replaces current_crypto with next_crypto" per
// spec.md line 96, rather than writing the derived keys straight into
// the active packetReader/packetWriter.
type cryptoContextGeneration struct {
	out, in *cryptoContext
}

// Session is the central per-connection record of spec.md §3. It is
// mutated only by the goroutine that owns it (the handshake driver, then
// the message dispatcher); spec.md §5 calls this out explicitly as "not
// safe for concurrent mutation" and this type carries no internal lock
// for that reason; the pending-message queue is unguarded as well.
type Session struct {
	conn net.Conn
	log  *zap.Logger

	connID uuid.UUID

	role SSHRole

	state   SessionState
	dhState DHState

	clientBanner []byte
	serverBanner []byte

	clientCookie [16]byte
	serverCookie [16]byte

	clientKexInit    *kexInitMsg
	serverKexInit    *kexInitMsg
	clientKexInitRaw []byte
	serverKexInitRaw []byte

	negotiated *algorithmSet

	sessionID []byte
	rekeyed   bool

	pendingKexResult *kexResult

	current *cryptoContextGeneration
	next    *cryptoContextGeneration

	hostKeys []*hostKey

	authMethods AuthMethod
	authedUser  string

	pending []Message

	msgCallback func(*Session, Message) int
	msgUserdata interface{}

	rx *packetReader
	tx *packetWriter

	lastError error

	config *Config
}

// SSHRole distinguishes server and client roles on a Session. This core
// only drives the server role (spec.md §1 Non-goals: client-side
// behavior), but the field exists because spec.md §3 names it as an
// essential Session attribute.
type SSHRole int

const ServerRole SSHRole = 1

// LastError returns a human-readable description of the most recent
// failure that drove this session to StateError, satisfying spec.md §7's
// "human-readable last-error string attached to the session".
func (s *Session) LastError() string {
	if s.lastError == nil {
		return ""
	}
	return s.lastError.Error()
}

// SessionID returns the exchange hash computed on the first key
// exchange, reused as the session identifier for the lifetime of the
// connection (spec.md §3, no re-keying).
func (s *Session) SessionID() []byte { return s.sessionID }

// State returns the current top-level session state.
func (s *Session) State() SessionState { return s.state }

func (s *Session) fail(err error) error {
	s.lastError = err
	s.state = StateError
	if s.log != nil {
		s.log.Error("session failed", zap.Error(err), zap.String("state", s.state.String()))
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return err
}

func newSession(conn net.Conn, cfg *Config, log *zap.Logger) *Session {
	id := uuid.New()
	if log != nil {
		log = log.With(zap.String("conn_id", id.String()))
	}
	return &Session{
		conn:        conn,
		log:         log,
		connID:      id,
		role:        ServerRole,
		state:       StateNone,
		dhState:     DHInit,
		authMethods: cfg.authMethods(),
		config:      cfg,
	}
}

// secureRandom is the entropy source for the KEXINIT cookie and packet
// padding. It is a package variable so a test can replace it; by default
// it is crypto/rand.
var secureRandom = rand.Reader

// hashAlgorithmFor maps a negotiated kex algorithm to the crypto.Hash of
// its exchange hash. Nothing in this package calls it.
func hashAlgorithmFor(kexAlgo string) crypto.Hash {
	if kexAlgo == kexAlgoCurve25519SHA256 {
		return crypto.SHA256
	}
	return crypto.SHA1
}
