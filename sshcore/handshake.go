package sshcore

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

const serverSoftwareVersion = "SSH-2.0-sshcore_1.0"

const maxBannerLength = 128

// HandleKeyExchange is the entry point of spec.md §4.D: given a Session
// freshly produced by Listener.Accept, it drives the peer from banner
// exchange through KEXINIT, DH, and NEWKEYS, leaving the session in
// StateAuthenticating on success. Blocking I/O is acceptable here per
// spec.md §4.D step 4 ("blocking is acceptable").
func HandleKeyExchange(s *Session) error {
	s.state = StateConnecting
	s.serverBanner = []byte(serverSoftwareVersion + "\r\n")
	if _, err := s.conn.Write(s.serverBanner); err != nil {
		return s.fail(newIoError(err))
	}
	s.state = StateSocketConnected

	br := bufio.NewReader(s.conn)
	if err := receiveBanner(s, br); err != nil {
		return s.fail(err)
	}

	if err := transitionFromBanner(s, br); err != nil {
		return s.fail(err)
	}

	for s.state != StateError && s.state != StateAuthenticating && s.state != StateDisconnected {
		if err := pumpOnePacket(s); err != nil {
			return s.fail(err)
		}
	}

	if s.state != StateAuthenticating {
		if s.lastError != nil {
			return s.lastError
		}
		return newProtocolError("handshake ended in state %s", s.state)
	}
	return nil
}

// receiveBanner implements spec.md §4.D's banner scanner: bytes are
// scanned for '\n'; a preceding '\r' is normalized to NUL; a line longer
// than 128 bytes (excluding the newline) is a protocol error.
func receiveBanner(s *Session, br *bufio.Reader) error {
	var line []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			return newIoError(err)
		}
		if b == '\n' {
			break
		}
		if b == '\r' {
			b = 0
		}
		line = append(line, b)
		if len(line) > maxBannerLength {
			return newProtocolError("too large banner")
		}
	}
	line = bytes.TrimRight(line, "\x00")
	s.clientBanner = line
	s.state = StateBannerReceived
	if s.log != nil {
		s.log.Debug("client banner received", zap.ByteString("banner", line))
	}
	return nil
}

// transitionFromBanner implements spec.md §4.D's BANNER_RECEIVED
// transition: parse the SSH-x.y- prefix, pick SSH-2 (refusing SSH-1 per
// spec.md §9's resolved open question), then transmit KEXINIT.
func transitionFromBanner(s *Session, br *bufio.Reader) error {
	if !strings.HasPrefix(string(s.clientBanner), "SSH-") {
		return newProtocolError("malformed banner %q", s.clientBanner)
	}
	version := strings.TrimPrefix(string(s.clientBanner), "SSH-")
	proto := version
	if idx := strings.IndexByte(version, '-'); idx >= 0 {
		proto = version[:idx]
	}
	if proto != "2.0" && proto != "1.99" {
		return newProtocolError("unsupported protocol version %q (SSH-1 is not supported)", proto)
	}

	s.state = StateInitialKex
	s.rx = newPacketReader(br)
	s.tx = newPacketWriter(s.conn)

	return sendKexInit(s)
}

func sendKexInit(s *Session) error {
	if _, err := io.ReadFull(secureRandom, s.serverCookie[:]); err != nil {
		return newCryptoError("generating cookie: %v", err)
	}
	msg := &kexInitMsg{
		cookie:                  s.serverCookie,
		kexAlgos:                s.config.kexAlgos(),
		hostKeyAlgos:            hostKeyAlgos(s.hostKeys),
		ciphersClientToServer:   s.config.ciphers(),
		ciphersServerToClient:   s.config.ciphers(),
		macsClientToServer:      s.config.macs(),
		macsServerToClient:      s.config.macs(),
		compressionClientServer: supportedCompressions,
		compressionServerClient: supportedCompressions,
	}
	raw := msg.marshal()
	s.serverKexInit = msg
	s.serverKexInitRaw = raw
	return s.tx.writePacket(raw)
}

// pumpOnePacket reads and dispatches exactly one inbound packet
// according to the current session state, per spec.md §4.D's state
// table: a packet type illegal for the current state drives the session
// to ERROR (spec.md §8's testable property).
func pumpOnePacket(s *Session) error {
	payload, err := s.rx.readPacket()
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return newProtocolError("empty packet")
	}
	msgType := payload[0]

	switch s.state {
	case StateInitialKex, StateKexInitReceived:
		switch msgType {
		case msgKexInit:
			return handleKexInit(s, payload)
		case msgKexDHInit:
			if s.state != StateKexInitReceived {
				return newProtocolError("KEXDH_INIT received before KEXINIT exchange completed")
			}
			return handleKexDHInit(s, payload)
		default:
			return newProtocolError("unexpected message type %d in state %s", msgType, s.state)
		}
	case StateDH:
		switch msgType {
		case msgKexDHInit:
			return handleKexDHInit(s, payload)
		case msgNewKeys:
			return handleNewKeys(s)
		default:
			return newProtocolError("unexpected message type %d in state %s", msgType, s.state)
		}
	default:
		return newProtocolError("unexpected message type %d in state %s", msgType, s.state)
	}
}

func handleKexInit(s *Session, payload []byte) error {
	msg, err := parseKexInit(payload)
	if err != nil {
		return err
	}
	if s.state == StateAuthenticating && !s.rekeyed {
		// Re-keying is a documented limitation (SPEC_FULL.md §4.D).
		_ = s.tx.writePacket(marshalDisconnect(reasonProtocolError, "re-keying is not supported"))
		return ErrRekeyUnsupported
	}
	s.clientKexInit = msg
	s.clientKexInitRaw = payload
	s.state = StateKexInitReceived

	negotiated, err := negotiateAlgorithms(msg, s.serverKexInit)
	if err != nil {
		return err
	}
	s.negotiated = negotiated
	if s.log != nil {
		s.log.Info("algorithms negotiated",
			zap.String("kex", negotiated.kex),
			zap.String("host_key", negotiated.hostKey),
			zap.String("cipher_c2s", negotiated.cipherClientToServer),
			zap.String("cipher_s2c", negotiated.cipherServerToClient),
			zap.String("mac_c2s", negotiated.macClientToServer),
			zap.String("mac_s2c", negotiated.macServerToClient),
		)
	}
	s.state = StateDH
	s.dhState = DHInit
	return nil
}

func (s *Session) magics() *handshakeMagics {
	return &handshakeMagics{
		clientVersion: trimCRLF(s.clientBanner),
		serverVersion: trimCRLF(s.serverBanner),
		clientKexInit: s.clientKexInitRaw,
		serverKexInit: s.serverKexInitRaw,
	}
}

func trimCRLF(b []byte) []byte {
	return bytes.TrimRight(b, "\r\n")
}

// handleKexDHInit implements spec.md §4.D's DH key exchange steps 1-9
// for both the classic DH groups and curve25519-sha256, dispatching on
// the negotiated kex algorithm.
func handleKexDHInit(s *Session, payload []byte) error {
	if s.dhState != DHInit {
		return newProtocolError("KEXDH_INIT received in dh sub-state %v", s.dhState)
	}

	key := selectHostKey(s.hostKeys, s.negotiated.hostKey)
	if key == nil {
		return newCryptoError("no loaded host key for algorithm %q", s.negotiated.hostKey)
	}
	sign := func(h []byte) ([]byte, error) { return key.signature(rand.Reader, h) }

	var result *kexResult
	var replyPacket []byte

	if s.negotiated.kex == kexAlgoCurve25519SHA256 {
		init, err := parseKexECDHInit(payload)
		if err != nil {
			return err
		}
		r, serverPub, sig, err := serverECDH(init.clientPub, s.magics(), key.blob, sign)
		if err != nil {
			return err
		}
		result = r
		reply := &kexDHReplyMsg{hostKey: key.blob, signature: sig}
		w := newWireBuffer()
		w.writeUint8(msgKexDHReply)
		w.writeStringBytes(reply.hostKey)
		w.writeStringBytes(serverPub)
		w.writeStringBytes(reply.signature)
		replyPacket = w.Bytes()
	} else {
		init, err := parseKexDHInit(payload)
		if err != nil {
			return err
		}
		r, f, sig, err := serverDH(s.negotiated.kex, init.e, s.magics(), key.blob, sign)
		if err != nil {
			return err
		}
		result = r
		reply := &kexDHReplyMsg{hostKey: key.blob, f: f, signature: sig}
		replyPacket = reply.marshal()
	}

	if err := s.tx.writePacket(replyPacket); err != nil {
		return err
	}

	// spec.md §3 invariant: the exchange hash becomes the session id
	// exactly once; re-keying is refused before reaching here, so this
	// assignment only ever happens on the first exchange.
	if s.sessionID == nil {
		s.sessionID = result.H
	}

	// spec.md §4.D step 8: zero and release host private keys
	// immediately after KEXDH_REPLY. Verifiable via hostKey.erased.
	for _, k := range s.hostKeys {
		k.zero()
	}

	s.pendingKexResult = result

	next, err := deriveNextCryptoContext(s, result)
	if err != nil {
		return err
	}
	s.next = next

	if err := s.tx.writePacket([]byte{msgNewKeys}); err != nil {
		return err
	}
	s.dhState = DHNewKeysSent
	return nil
}

// deriveNextCryptoContext runs spec.md §4.D's six-key expansion (RFC
// 4253 §7.2) and builds the cryptoContextGeneration that NEWKEYS will
// swap into s.current. It allocates next_crypto eagerly, the moment the
// server has enough material to do so, per spec.md line 96.
func deriveNextCryptoContext(s *Session, result *kexResult) (*cryptoContextGeneration, error) {
	cs, ok := cipherSpecs[s.negotiated.cipherServerToClient]
	if !ok {
		return nil, newCryptoError("unsupported cipher %q", s.negotiated.cipherServerToClient)
	}
	csC2S, ok := cipherSpecs[s.negotiated.cipherClientToServer]
	if !ok {
		return nil, newCryptoError("unsupported cipher %q", s.negotiated.cipherClientToServer)
	}
	msC2S := macSpecs[s.negotiated.macClientToServer]
	msS2C := macSpecs[s.negotiated.macServerToClient]

	ivCS := deriveKey(result.Hash, result.K, result.H, 'A', s.sessionID, csC2S.ivSize)
	ivSC := deriveKey(result.Hash, result.K, result.H, 'B', s.sessionID, cs.ivSize)
	keyCS := deriveKey(result.Hash, result.K, result.H, 'C', s.sessionID, csC2S.keySize)
	keySC := deriveKey(result.Hash, result.K, result.H, 'D', s.sessionID, cs.keySize)
	macKeyCS := deriveKey(result.Hash, result.K, result.H, 'E', s.sessionID, msC2S.keySize)
	macKeySC := deriveKey(result.Hash, result.K, result.H, 'F', s.sessionID, msS2C.keySize)

	outCtx, err := installCipherContext(s.negotiated.cipherServerToClient, s.negotiated.macServerToClient, keySC, ivSC, macKeySC)
	if err != nil {
		return nil, err
	}
	inCtx, err := installCipherContext(s.negotiated.cipherClientToServer, s.negotiated.macClientToServer, keyCS, ivCS, macKeyCS)
	if err != nil {
		return nil, err
	}
	return &cryptoContextGeneration{out: outCtx, in: inCtx}, nil
}

// handleNewKeys implements spec.md §4.D's NEWKEYS reception: swap
// next_crypto into current_crypto and transition to AUTHENTICATING.
func handleNewKeys(s *Session) error {
	if s.pendingKexResult == nil || s.next == nil {
		return newProtocolError("NEWKEYS received with no completed key exchange")
	}

	s.current = s.next
	s.next = nil
	s.tx.ctx = s.current.out
	s.rx.ctx = s.current.in
	s.dhState = DHFinished
	s.state = StateAuthenticating
	s.pendingKexResult = nil

	if s.log != nil {
		s.log.Info("handshake complete", zap.String("session_id", fmt.Sprintf("%x", s.sessionID)))
	}
	return nil
}
