package sshcore

import (
	"go.uber.org/zap"
)

// Message is the tagged record the dispatcher hands to the application,
// per spec.md §3 and §4.E. Concrete types: AuthRequest,
// ChannelOpenRequest, ChannelRequest, ServiceRequest.
type Message interface {
	// defaultReply sends this message's default reply on s and returns
	// any error encountered while doing so.
	defaultReply(s *Session) error
}

// PublicKeySignatureState describes whether a publickey-auth request's
// signature has been checked, per spec.md §3.
type PublicKeySignatureState int

const (
	SignatureNone PublicKeySignatureState = iota
	SignatureValid
	SignatureWrong
)

// AuthRequest is produced for every inbound USERAUTH_REQUEST.
type AuthRequest struct {
	session *Session
	raw     *userAuthRequestMsg

	password   string
	pubKeyAlgo string
	pubKeyBlob []byte
	signature  []byte
	sigState   PublicKeySignatureState
	isPKQuery  bool
}

func (r *AuthRequest) User() string   { return r.raw.user }
func (r *AuthRequest) Method() string { return r.raw.method }

// Password returns the submitted password. Empty unless Method() ==
// "password".
func (r *AuthRequest) Password() string { return r.password }

// PublicKey returns the algorithm name and key blob submitted with a
// "publickey" method request. For a non-probe request the signature in
// the request has already been verified against this key and the
// session's exchange hash (RFC 4252 §7); SignatureState reports the
// outcome: a bare probe (SignatureNone), a verified signature
// (SignatureValid), or one that failed verification (SignatureWrong).
// Verifying the signature only proves the peer holds the private key —
// whether that key is authorized for the requested user is left to the
// application, which is why PublicKey() still hands back the raw blob.
func (r *AuthRequest) PublicKey() (algo string, blob []byte) { return r.pubKeyAlgo, r.pubKeyBlob }
func (r *AuthRequest) SignatureState() PublicKeySignatureState { return r.sigState }

// Signature returns the raw signature bytes submitted with a non-probe
// "publickey" request, for an application that wants to re-verify
// against its own notion of the key (e.g. a certificate chain). Empty
// for a probe or for any other method.
func (r *AuthRequest) Signature() []byte { return r.signature }

// KeyboardInteractive reports whether the method requested is
// "keyboard-interactive". Per spec.md §1 Non-goals, challenge/response
// policy stays outside this core; this accessor only surfaces that the
// method was requested at all.
func (r *AuthRequest) KeyboardInteractive() bool { return r.raw.method == "keyboard-interactive" }

func (r *AuthRequest) defaultReply(s *Session) error {
	methods := s.authMethods.names()
	return s.tx.writePacket(marshalUserAuthFailure(methods, false))
}

// AuthReplySuccess sends USERAUTH_SUCCESS, or a USERAUTH_FAILURE with
// partial=true if partial is set, per spec.md §4.E.
func (r *AuthRequest) AuthReplySuccess(partial bool) error {
	if partial {
		return r.session.tx.writePacket(marshalUserAuthFailure(r.session.authMethods.names(), true))
	}
	r.session.authedUser = r.raw.user
	return r.session.tx.writePacket(marshalUserAuthSuccess())
}

// AuthReplyPKOK sends USERAUTH_PK_OK, used during a publickey probe
// before the client commits to a signature, per spec.md §4.E.
func (r *AuthRequest) AuthReplyPKOK(algo string, pubKey []byte) error {
	return r.session.tx.writePacket(marshalUserAuthPKOK(algo, pubKey))
}

// AuthSetMethods adjusts the advertised auth methods for subsequent
// default USERAUTH_FAILURE replies on this session.
func (r *AuthRequest) AuthSetMethods(mask AuthMethod) {
	r.session.authMethods = mask
}

// ServiceRequest is produced for every inbound SERVICE_REQUEST.
type ServiceRequest struct {
	session *Session
	name    string
}

func (r *ServiceRequest) ServiceName() string { return r.name }

func (r *ServiceRequest) defaultReply(s *Session) error {
	return s.tx.writePacket(marshalServiceAccept(r.name))
}

// ChannelOpenRequest is produced for every inbound CHANNEL_OPEN.
type ChannelOpenRequest struct {
	session *Session
	raw     *channelOpenMsg

	originatorHost string
	originatorPort uint32
	destHost       string
	destPort       uint32
}

func (r *ChannelOpenRequest) ChannelType() string   { return r.raw.channelType }
func (r *ChannelOpenRequest) SenderChannel() uint32 { return r.raw.senderChannel }
func (r *ChannelOpenRequest) Window() uint32        { return r.raw.initialWindow }
func (r *ChannelOpenRequest) MaxPacketSize() uint32 { return r.raw.maxPacketSize }

// Originator returns the originator host/port for a "direct-tcpip"
// channel open; zero values otherwise.
func (r *ChannelOpenRequest) Originator() (host string, port uint32) {
	return r.originatorHost, r.originatorPort
}

// Destination returns the destination host/port for a "direct-tcpip" or
// "forwarded-tcpip" channel open; zero values otherwise.
func (r *ChannelOpenRequest) Destination() (host string, port uint32) {
	return r.destHost, r.destPort
}

func (r *ChannelOpenRequest) defaultReply(s *Session) error {
	return s.tx.writePacket(marshalChannelOpenFailure(r.raw.senderChannel, channelOpenAdministrativelyProhibited, "", ""))
}

// ChannelRequest is produced for every inbound CHANNEL_REQUEST.
type ChannelRequest struct {
	session *Session
	raw     *channelRequestMsg

	ptyTerm              string
	ptyWidth, ptyHeight   uint32
	ptyPxWidth, ptyPxHeight uint32

	envName, envValue string

	execCommand string

	subsystemName string

	x11Protocol    string
	x11Cookie      string
	x11ScreenNumber uint32

	windowChangeWidth, windowChangeHeight     uint32
	windowChangePxWidth, windowChangePxHeight uint32
}

func (r *ChannelRequest) Channel() uint32     { return r.raw.recipientChannel }
func (r *ChannelRequest) Type() string        { return r.raw.requestType }
func (r *ChannelRequest) WantReply() bool     { return r.raw.wantReply }

func (r *ChannelRequest) PTY() (term string, width, height, pxWidth, pxHeight uint32) {
	return r.ptyTerm, r.ptyWidth, r.ptyHeight, r.ptyPxWidth, r.ptyPxHeight
}

func (r *ChannelRequest) Env() (name, value string) { return r.envName, r.envValue }

func (r *ChannelRequest) Exec() string { return r.execCommand }

func (r *ChannelRequest) Subsystem() string { return r.subsystemName }

func (r *ChannelRequest) X11() (protocol, cookie string, screen uint32) {
	return r.x11Protocol, r.x11Cookie, r.x11ScreenNumber
}

func (r *ChannelRequest) WindowChange() (width, height, pxWidth, pxHeight uint32) {
	return r.windowChangeWidth, r.windowChangeHeight, r.windowChangePxWidth, r.windowChangePxHeight
}

func (r *ChannelRequest) defaultReply(s *Session) error {
	if !r.raw.wantReply {
		return nil
	}
	return s.tx.writePacket(marshalChannelFailure(r.raw.recipientChannel))
}

// SetMessageCallback installs an application handler, per spec.md §4.E.
// cb's return value of 1 means "I looked at it, send the default reply
// anyway"; 0 means "I handled it, do not reply".
func (s *Session) SetMessageCallback(cb func(*Session, Message) int, userdata interface{}) {
	s.msgCallback = cb
	s.msgUserdata = userdata
}

// ExecuteMessageCallbacks pumps one round of packets, then for each
// queued message calls the installed handler (or, if none is installed,
// sends the default reply directly), per spec.md §4.E.
func (s *Session) ExecuteMessageCallbacks() error {
	msg, err := readOneMessage(s)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	s.pending = append(s.pending, msg)

	for len(s.pending) > 0 {
		m := s.pending[0]
		s.pending = s.pending[1:]

		wantDefault := 1
		if s.msgCallback != nil {
			wantDefault = s.msgCallback(s, m)
		}
		if wantDefault != 0 {
			if err := m.defaultReply(s); err != nil {
				if s.log != nil {
					s.log.Error("default reply failed", zap.Error(err))
				}
				return newIoError(err)
			}
		}
	}
	return nil
}

// readOneMessage reads one packet and parses it into a Message, per the
// post-handshake message vocabulary of spec.md §6. Packets that are not
// part of that vocabulary (e.g. future channel data) are ignored rather
// than treated as an error, since spec.md §4.E only scopes USERAUTH /
// SERVICE / CHANNEL request parsing.
func readOneMessage(s *Session) (Message, error) {
	payload, err := s.rx.readPacket()
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, newProtocolError("empty packet")
	}

	switch payload[0] {
	case msgUserAuthRequest:
		raw, err := parseUserAuthRequest(payload)
		if err != nil {
			return nil, err
		}
		return parseAuthRequest(s, raw)
	case msgServiceRequest:
		raw, err := parseServiceRequest(payload)
		if err != nil {
			return nil, err
		}
		return &ServiceRequest{session: s, name: raw.service}, nil
	case msgChannelOpen:
		raw, err := parseChannelOpen(payload)
		if err != nil {
			return nil, err
		}
		return parseChannelOpenRequest(s, raw)
	case msgChannelRequest:
		raw, err := parseChannelRequest(payload)
		if err != nil {
			return nil, err
		}
		return parseChannelRequestMessage(s, raw)
	case msgKexInit:
		// Re-keying is refused: handleKexInit answers a KEXINIT received in
		// StateAuthenticating with DISCONNECT and ErrRekeyUnsupported, and
		// fail moves the session to StateError.
		return nil, s.fail(handleKexInit(s, payload))
	default:
		return nil, nil
	}
}

func parseAuthRequest(s *Session, raw *userAuthRequestMsg) (*AuthRequest, error) {
	r := &AuthRequest{session: s, raw: raw}
	switch raw.method {
	case "password":
		w := wrap(raw.payload)
		if _, err := w.readUint8(); err != nil { // FALSE (change-password flag)
			return nil, err
		}
		pw, err := w.readString()
		if err != nil {
			return nil, newProtocolError("malformed password auth request")
		}
		r.password = pw
	case "publickey":
		w := wrap(raw.payload)
		isQuery, err := w.readUint8()
		if err != nil {
			return nil, err
		}
		r.isPKQuery = isQuery == 0
		algo, err := w.readString()
		if err != nil {
			return nil, newProtocolError("malformed publickey auth request")
		}
		r.pubKeyAlgo = algo
		blob, err := w.readStringBytes()
		if err != nil {
			return nil, newProtocolError("malformed publickey auth request")
		}
		r.pubKeyBlob = blob

		if r.isPKQuery {
			r.sigState = SignatureNone
			break
		}

		sigBlob, err := w.readStringBytes()
		if err != nil {
			return nil, newProtocolError("malformed publickey auth request: missing signature")
		}
		sigFormat, sigBytes, err := parseSignatureBlob(sigBlob)
		if err != nil {
			return nil, err
		}
		r.signature = sigBytes

		signedData := buildAuthSignedData(s.sessionID, raw, []byte(algo), blob)
		if verifyPublicKeySignature(algo, blob, sigFormat, sigBytes, signedData) {
			r.sigState = SignatureValid
		} else {
			r.sigState = SignatureWrong
		}
	}
	return r, nil
}

func parseChannelOpenRequest(s *Session, raw *channelOpenMsg) (*ChannelOpenRequest, error) {
	r := &ChannelOpenRequest{session: s, raw: raw}
	switch raw.channelType {
	case "direct-tcpip":
		w := wrap(raw.typeSpecific)
		var err error
		if r.destHost, err = w.readString(); err != nil {
			return nil, err
		}
		if r.destPort, err = w.readUint32(); err != nil {
			return nil, err
		}
		if r.originatorHost, err = w.readString(); err != nil {
			return nil, err
		}
		if r.originatorPort, err = w.readUint32(); err != nil {
			return nil, err
		}
	case "forwarded-tcpip":
		w := wrap(raw.typeSpecific)
		var err error
		if r.destHost, err = w.readString(); err != nil {
			return nil, err
		}
		if r.destPort, err = w.readUint32(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func parseChannelRequestMessage(s *Session, raw *channelRequestMsg) (*ChannelRequest, error) {
	r := &ChannelRequest{session: s, raw: raw}
	w := wrap(raw.payload)
	var err error
	switch raw.requestType {
	case "pty-req":
		if r.ptyTerm, err = w.readString(); err != nil {
			return nil, err
		}
		if r.ptyWidth, err = w.readUint32(); err != nil {
			return nil, err
		}
		if r.ptyHeight, err = w.readUint32(); err != nil {
			return nil, err
		}
		if r.ptyPxWidth, err = w.readUint32(); err != nil {
			return nil, err
		}
		if r.ptyPxHeight, err = w.readUint32(); err != nil {
			return nil, err
		}
	case "env":
		if r.envName, err = w.readString(); err != nil {
			return nil, err
		}
		if r.envValue, err = w.readString(); err != nil {
			return nil, err
		}
	case "exec":
		if r.execCommand, err = w.readString(); err != nil {
			return nil, err
		}
	case "subsystem":
		if r.subsystemName, err = w.readString(); err != nil {
			return nil, err
		}
	case "shell":
		// no payload
	case "x11-req":
		if _, err = w.readUint8(); err != nil { // single-connection flag
			return nil, err
		}
		if r.x11Protocol, err = w.readString(); err != nil {
			return nil, err
		}
		if r.x11Cookie, err = w.readString(); err != nil {
			return nil, err
		}
		if r.x11ScreenNumber, err = w.readUint32(); err != nil {
			return nil, err
		}
	case "window-change":
		if r.windowChangeWidth, err = w.readUint32(); err != nil {
			return nil, err
		}
		if r.windowChangeHeight, err = w.readUint32(); err != nil {
			return nil, err
		}
		if r.windowChangePxWidth, err = w.readUint32(); err != nil {
			return nil, err
		}
		if r.windowChangePxHeight, err = w.readUint32(); err != nil {
			return nil, err
		}
	}
	return r, nil
}
