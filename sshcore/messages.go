package sshcore

import "math/big"

// SSH message numbers this core emits or consumes. See spec.md §6.
const (
	msgDisconnect     = 1
	msgServiceRequest = 5
	msgServiceAccept  = 6

	msgKexInit  = 20
	msgNewKeys  = 21
	msgKexDHInit  = 30
	msgKexDHReply = 31

	msgUserAuthRequest  = 50
	msgUserAuthFailure  = 51
	msgUserAuthSuccess  = 52
	msgUserAuthPKOK     = 60

	msgChannelOpen        = 90
	msgChannelOpenFailure = 92
	msgChannelRequest     = 98
	msgChannelFailure     = 100
)

// disconnect reasons (RFC 4253 §11.1). Only reasonProtocolError is sent
// by this core.
const (
	reasonProtocolError            = 2
	reasonHostNotAllowedToConnect  = 1
	reasonKeyExchangeFailed        = 3
)

// channel-open failure reasons (RFC 4254 §5.1).
const (
	channelOpenAdministrativelyProhibited = 1
)

// kexInitMsg mirrors the ten name-list categories of spec.md §4.D
// verbatim, held as named fields rather than the source's bare
// length-10 array (spec.md §9 flags the array-indexing bug this avoids).
type kexInitMsg struct {
	cookie [16]byte

	kexAlgos                []string
	hostKeyAlgos            []string
	ciphersClientToServer   []string
	ciphersServerToClient   []string
	macsClientToServer      []string
	macsServerToClient      []string
	compressionClientServer []string
	compressionServerClient []string
	languagesClientServer   []string
	languagesServerClient   []string

	firstKexPacketFollows bool
}

func (m *kexInitMsg) marshal() []byte {
	w := newWireBuffer()
	w.writeUint8(msgKexInit)
	w.writeBytes(m.cookie[:])
	w.writeNameList(m.kexAlgos)
	w.writeNameList(m.hostKeyAlgos)
	w.writeNameList(m.ciphersClientToServer)
	w.writeNameList(m.ciphersServerToClient)
	w.writeNameList(m.macsClientToServer)
	w.writeNameList(m.macsServerToClient)
	w.writeNameList(m.compressionClientServer)
	w.writeNameList(m.compressionServerClient)
	w.writeNameList(m.languagesClientServer)
	w.writeNameList(m.languagesServerClient)
	if m.firstKexPacketFollows {
		w.writeUint8(1)
	} else {
		w.writeUint8(0)
	}
	w.writeUint32(0) // reserved
	return w.Bytes()
}

func parseKexInit(payload []byte) (*kexInitMsg, error) {
	w := wrap(payload)
	tag, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	if tag != msgKexInit {
		return nil, newProtocolError("expected KEXINIT (20), got %d", tag)
	}
	m := &kexInitMsg{}
	cookie, err := w.readBytes(16)
	if err != nil {
		return nil, err
	}
	copy(m.cookie[:], cookie)

	fields := []*[]string{
		&m.kexAlgos, &m.hostKeyAlgos,
		&m.ciphersClientToServer, &m.ciphersServerToClient,
		&m.macsClientToServer, &m.macsServerToClient,
		&m.compressionClientServer, &m.compressionServerClient,
		&m.languagesClientServer, &m.languagesServerClient,
	}
	for _, f := range fields {
		list, err := w.readNameList()
		if err != nil {
			return nil, err
		}
		*f = list
	}
	follows, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	m.firstKexPacketFollows = follows != 0
	if _, err := w.readUint32(); err != nil { // reserved
		return nil, err
	}
	return m, nil
}

type kexDHInitMsg struct {
	e *big.Int
}

func parseKexDHInit(payload []byte) (*kexDHInitMsg, error) {
	w := wrap(payload)
	tag, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	if tag != msgKexDHInit {
		return nil, newProtocolError("expected KEXDH_INIT (30), got %d", tag)
	}
	e, err := w.readMPInt()
	if err != nil {
		return nil, err
	}
	return &kexDHInitMsg{e: e}, nil
}

type kexDHReplyMsg struct {
	hostKey   []byte
	f         *big.Int
	signature []byte
}

func (m *kexDHReplyMsg) marshal() []byte {
	w := newWireBuffer()
	w.writeUint8(msgKexDHReply)
	w.writeStringBytes(m.hostKey)
	w.writeMPInt(m.f)
	w.writeStringBytes(m.signature)
	return w.Bytes()
}

// kexECDHInitMsg carries the client's ephemeral curve25519 public value
// (RFC 8731). Reuses the DH reply wire shape (host key, server ephemeral
// public, signature) since RFC 8731 §4 specifies the identical layout.
type kexECDHInitMsg struct {
	clientPub []byte
}

func parseKexECDHInit(payload []byte) (*kexECDHInitMsg, error) {
	w := wrap(payload)
	tag, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	if tag != msgKexDHInit {
		return nil, newProtocolError("expected KEXDH_INIT (30), got %d", tag)
	}
	pub, err := w.readStringBytes()
	if err != nil {
		return nil, err
	}
	return &kexECDHInitMsg{clientPub: pub}, nil
}

type serviceRequestMsg struct {
	service string
}

func parseServiceRequest(payload []byte) (*serviceRequestMsg, error) {
	w := wrap(payload)
	tag, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	if tag != msgServiceRequest {
		return nil, newProtocolError("expected SERVICE_REQUEST (5), got %d", tag)
	}
	name, err := w.readString()
	if err != nil {
		return nil, err
	}
	return &serviceRequestMsg{service: name}, nil
}

func marshalServiceAccept(service string) []byte {
	w := newWireBuffer()
	w.writeUint8(msgServiceAccept)
	w.writeString(service)
	return w.Bytes()
}

type userAuthRequestMsg struct {
	user    string
	service string
	method  string
	payload []byte
}

func parseUserAuthRequest(payload []byte) (*userAuthRequestMsg, error) {
	w := wrap(payload)
	tag, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	if tag != msgUserAuthRequest {
		return nil, newProtocolError("expected USERAUTH_REQUEST (50), got %d", tag)
	}
	m := &userAuthRequestMsg{}
	if m.user, err = w.readString(); err != nil {
		return nil, err
	}
	if m.service, err = w.readString(); err != nil {
		return nil, err
	}
	if m.method, err = w.readString(); err != nil {
		return nil, err
	}
	m.payload = w.buf[w.off:]
	return m, nil
}

func marshalUserAuthFailure(methods []string, partial bool) []byte {
	w := newWireBuffer()
	w.writeUint8(msgUserAuthFailure)
	w.writeNameList(methods)
	if partial {
		w.writeUint8(1)
	} else {
		w.writeUint8(0)
	}
	return w.Bytes()
}

func marshalUserAuthSuccess() []byte {
	return []byte{msgUserAuthSuccess}
}

func marshalUserAuthPKOK(algo string, pubKey []byte) []byte {
	w := newWireBuffer()
	w.writeUint8(msgUserAuthPKOK)
	w.writeString(algo)
	w.writeStringBytes(pubKey)
	return w.Bytes()
}

type channelOpenMsg struct {
	channelType   string
	senderChannel uint32
	initialWindow uint32
	maxPacketSize uint32
	typeSpecific  []byte
}

func parseChannelOpen(payload []byte) (*channelOpenMsg, error) {
	w := wrap(payload)
	tag, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	if tag != msgChannelOpen {
		return nil, newProtocolError("expected CHANNEL_OPEN (90), got %d", tag)
	}
	m := &channelOpenMsg{}
	if m.channelType, err = w.readString(); err != nil {
		return nil, err
	}
	if m.senderChannel, err = w.readUint32(); err != nil {
		return nil, err
	}
	if m.initialWindow, err = w.readUint32(); err != nil {
		return nil, err
	}
	if m.maxPacketSize, err = w.readUint32(); err != nil {
		return nil, err
	}
	m.typeSpecific = w.buf[w.off:]
	return m, nil
}

func marshalChannelOpenFailure(recipient uint32, reason uint32, description, lang string) []byte {
	w := newWireBuffer()
	w.writeUint8(msgChannelOpenFailure)
	w.writeUint32(recipient)
	w.writeUint32(reason)
	w.writeString(description)
	w.writeString(lang)
	return w.Bytes()
}

type channelRequestMsg struct {
	recipientChannel uint32
	requestType      string
	wantReply        bool
	payload          []byte
}

func parseChannelRequest(payload []byte) (*channelRequestMsg, error) {
	w := wrap(payload)
	tag, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	if tag != msgChannelRequest {
		return nil, newProtocolError("expected CHANNEL_REQUEST (98), got %d", tag)
	}
	m := &channelRequestMsg{}
	if m.recipientChannel, err = w.readUint32(); err != nil {
		return nil, err
	}
	if m.requestType, err = w.readString(); err != nil {
		return nil, err
	}
	wr, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	m.wantReply = wr != 0
	m.payload = w.buf[w.off:]
	return m, nil
}

func marshalChannelFailure(recipient uint32) []byte {
	w := newWireBuffer()
	w.writeUint8(msgChannelFailure)
	w.writeUint32(recipient)
	return w.Bytes()
}

func marshalDisconnect(reason uint32, description string) []byte {
	w := newWireBuffer()
	w.writeUint8(msgDisconnect)
	w.writeUint32(reason)
	w.writeString(description)
	w.writeString("")
	return w.Bytes()
}

// buildAuthSignedData reproduces the blob a publickey-auth client signs,
// per RFC 4252 §7. Grounded on the teacher's buildDataSignedForAuth
// (common.go), generalized to the wireBuffer type.
func buildAuthSignedData(sessionID []byte, req *userAuthRequestMsg, algo, pubKey []byte) []byte {
	w := newWireBuffer()
	w.writeStringBytes(sessionID)
	w.writeUint8(msgUserAuthRequest)
	w.writeString(req.user)
	w.writeString(req.service)
	w.writeString(req.method)
	w.writeUint8(1)
	w.writeStringBytes(algo)
	w.writeStringBytes(pubKey)
	return w.Bytes()
}

// parseSignatureBlob splits the signature field of a non-probe
// "publickey" USERAUTH_REQUEST into its format name and raw signature
// bytes, per RFC 4252 §7 ("the 'signature' field ... string format-name,
// string blob"). Grounded on the teacher's parseSignature (certs.go).
func parseSignatureBlob(sigBlob []byte) (format string, blob []byte, err error) {
	w := wrap(sigBlob)
	format, err = w.readString()
	if err != nil {
		return "", nil, newProtocolError("malformed signature: missing format")
	}
	blob, err = w.readStringBytes()
	if err != nil {
		return "", nil, newProtocolError("malformed signature: missing blob")
	}
	return format, blob, nil
}
