package sshcore

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"net"
	"testing"

	"golang.org/x/crypto/curve25519"
)

// TestHandleKeyExchangeFullHandshake drives spec.md §8's "minimal
// exchange" scenario end to end: banner exchange, KEXINIT, KEXDH_INIT,
// KEXDH_REPLY, NEWKEYS, landing in StateAuthenticating with a derived
// session id and working encrypted transport in both directions. The
// client side is a hand-rolled driver reusing this package's own wire
// types, run over a net.Pipe() so no real socket is involved.
func TestHandleKeyExchangeFullHandshake(t *testing.T) {
	cases := []struct {
		name       string
		kexAlgo    string
		cipherAlgo string
		macAlgo    string
	}{
		{"classic-dh-group14", kexAlgoDHGroup14SHA1, "aes128-ctr", "hmac-sha2-256"},
		{"curve25519", kexAlgoCurve25519SHA256, "aes128-ctr", "hmac-sha2-256"},
		{"curve25519-chacha20", kexAlgoCurve25519SHA256, cipherChaCha20CTR, "hmac-sha2-256"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runFullHandshake(t, tc.kexAlgo, tc.cipherAlgo, tc.macAlgo)
		})
	}
}

func runFullHandshake(t *testing.T, kexAlgo, cipherAlgo, macAlgo string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	hk := &hostKey{algo: hostAlgoRSA, rsa: priv, blob: marshalRSAPublicKey(&priv.PublicKey)}

	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	s := newSession(server, &Config{}, nil)
	s.hostKeys = []*hostKey{hk}

	errCh := make(chan error, 1)
	go func() { errCh <- HandleKeyExchange(s) }()

	br := bufio.NewReader(client)

	// Banner exchange.
	serverBanner, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading server banner: %v", err)
	}
	serverBanner = trimCRLFString(serverBanner)
	clientBanner := "SSH-2.0-testclient_1.0"
	if _, err := client.Write([]byte(clientBanner + "\r\n")); err != nil {
		t.Fatalf("writing client banner: %v", err)
	}

	pr := newPacketReader(br)
	pw := newPacketWriter(client)

	// KEXINIT exchange.
	serverKexInitRaw, err := pr.readPacket()
	if err != nil {
		t.Fatalf("reading server KEXINIT: %v", err)
	}
	if _, err := parseKexInit(serverKexInitRaw); err != nil {
		t.Fatalf("parsing server KEXINIT: %v", err)
	}

	clientKexInit := &kexInitMsg{
		kexAlgos:                []string{kexAlgo},
		hostKeyAlgos:            []string{hostAlgoRSA},
		ciphersClientToServer:   []string{cipherAlgo},
		ciphersServerToClient:   []string{cipherAlgo},
		macsClientToServer:      []string{macAlgo},
		macsServerToClient:      []string{macAlgo},
		compressionClientServer: []string{"none"},
		compressionServerClient: []string{"none"},
	}
	clientKexInitRaw := clientKexInit.marshal()
	if err := pw.writePacket(clientKexInitRaw); err != nil {
		t.Fatalf("writing client KEXINIT: %v", err)
	}

	magics := &handshakeMagics{
		clientVersion: []byte(clientBanner),
		serverVersion: []byte(serverBanner),
		clientKexInit: clientKexInitRaw,
		serverKexInit: serverKexInitRaw,
	}

	var H []byte
	var hashAlgo crypto.Hash
	var K []byte

	if kexAlgo == kexAlgoCurve25519SHA256 {
		var scalar [32]byte
		if _, err := rand.Read(scalar[:]); err != nil {
			t.Fatalf("generating client scalar: %v", err)
		}
		clientPub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
		if err != nil {
			t.Fatalf("computing client public value: %v", err)
		}

		w := newWireBuffer()
		w.writeUint8(msgKexDHInit)
		w.writeStringBytes(clientPub)
		if err := pw.writePacket(w.Bytes()); err != nil {
			t.Fatalf("writing KEXDH_INIT: %v", err)
		}

		replyPayload, err := pr.readPacket()
		if err != nil {
			t.Fatalf("reading KEXDH_REPLY: %v", err)
		}
		r := wrap(replyPayload)
		tag, _ := r.readUint8()
		if tag != msgKexDHReply {
			t.Fatalf("KEXDH_REPLY tag: got %d, want %d", tag, msgKexDHReply)
		}
		hostKeyBlob, err := r.readStringBytes()
		if err != nil {
			t.Fatalf("reading host key blob: %v", err)
		}
		serverPub, err := r.readStringBytes()
		if err != nil {
			t.Fatalf("reading server public value: %v", err)
		}
		sig, err := r.readStringBytes()
		if err != nil {
			t.Fatalf("reading signature: %v", err)
		}
		if len(sig) == 0 {
			t.Error("KEXDH_REPLY signature is empty")
		}

		secret, err := curve25519.X25519(scalar[:], serverPub)
		if err != nil {
			t.Fatalf("computing shared secret: %v", err)
		}
		k := new(big.Int).SetBytes(secret)

		hashAlgo = crypto.SHA256
		h := hashAlgo.New()
		hw := newWireBuffer()
		hw.writeString(string(magics.clientVersion))
		hw.writeString(string(magics.serverVersion))
		hw.writeStringBytes(magics.clientKexInit)
		hw.writeStringBytes(magics.serverKexInit)
		hw.writeStringBytes(hostKeyBlob)
		hw.writeStringBytes(clientPub)
		hw.writeStringBytes(serverPub)
		hw.writeMPInt(k)
		h.Write(hw.Bytes())
		H = h.Sum(nil)

		kw := newWireBuffer()
		kw.writeMPInt(k)
		K = kw.Bytes()
	} else {
		group, ha, err := groupFor(kexAlgo)
		if err != nil {
			t.Fatalf("groupFor: %v", err)
		}
		hashAlgo = ha

		x, err := rand.Int(rand.Reader, group.p)
		if err != nil {
			t.Fatalf("generating client exponent: %v", err)
		}
		e := new(big.Int).Exp(group.g, x, group.p)

		w := newWireBuffer()
		w.writeUint8(msgKexDHInit)
		w.writeMPInt(e)
		if err := pw.writePacket(w.Bytes()); err != nil {
			t.Fatalf("writing KEXDH_INIT: %v", err)
		}

		replyPayload, err := pr.readPacket()
		if err != nil {
			t.Fatalf("reading KEXDH_REPLY: %v", err)
		}
		r := wrap(replyPayload)
		tag, _ := r.readUint8()
		if tag != msgKexDHReply {
			t.Fatalf("KEXDH_REPLY tag: got %d, want %d", tag, msgKexDHReply)
		}
		hostKeyBlob, err := r.readStringBytes()
		if err != nil {
			t.Fatalf("reading host key blob: %v", err)
		}
		f, err := r.readMPInt()
		if err != nil {
			t.Fatalf("reading f: %v", err)
		}
		sig, err := r.readStringBytes()
		if err != nil {
			t.Fatalf("reading signature: %v", err)
		}
		if len(sig) == 0 {
			t.Error("KEXDH_REPLY signature is empty")
		}

		k := new(big.Int).Exp(f, x, group.p)

		h := hashAlgo.New()
		hw := newWireBuffer()
		hw.writeString(string(magics.clientVersion))
		hw.writeString(string(magics.serverVersion))
		hw.writeStringBytes(magics.clientKexInit)
		hw.writeStringBytes(magics.serverKexInit)
		hw.writeStringBytes(hostKeyBlob)
		hw.writeMPInt(e)
		hw.writeMPInt(f)
		hw.writeMPInt(k)
		h.Write(hw.Bytes())
		H = h.Sum(nil)

		kw := newWireBuffer()
		kw.writeMPInt(k)
		K = kw.Bytes()
	}

	// NEWKEYS exchange.
	newKeysPayload, err := pr.readPacket()
	if err != nil {
		t.Fatalf("reading server NEWKEYS: %v", err)
	}
	if len(newKeysPayload) != 1 || newKeysPayload[0] != msgNewKeys {
		t.Fatalf("expected NEWKEYS (%d), got %v", msgNewKeys, newKeysPayload)
	}
	if err := pw.writePacket([]byte{msgNewKeys}); err != nil {
		t.Fatalf("writing client NEWKEYS: %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("HandleKeyExchange: %v", err)
	}

	if s.state != StateAuthenticating {
		t.Errorf("state after handshake: got %v, want %v", s.state, StateAuthenticating)
	}
	if !bytes.Equal(s.SessionID(), H) {
		t.Errorf("session id: got %x, want %x", s.SessionID(), H)
	}
	if len(s.SessionID()) == 0 {
		t.Error("session id is empty")
	}

	cs := cipherSpecs[cipherAlgo]
	ms := macSpecs[macAlgo]
	ivToServer := deriveKey(hashAlgo, K, H, 'A', H, cs.ivSize)
	ivToClient := deriveKey(hashAlgo, K, H, 'B', H, cs.ivSize)
	keyToServer := deriveKey(hashAlgo, K, H, 'C', H, cs.keySize)
	keyToClient := deriveKey(hashAlgo, K, H, 'D', H, cs.keySize)
	macToServer := deriveKey(hashAlgo, K, H, 'E', H, ms.keySize)
	macToClient := deriveKey(hashAlgo, K, H, 'F', H, ms.keySize)

	clientWriteCtx, err := installCipherContext(cipherAlgo, macAlgo, keyToServer, ivToServer, macToServer)
	if err != nil {
		t.Fatalf("installCipherContext (client write): %v", err)
	}
	clientReadCtx, err := installCipherContext(cipherAlgo, macAlgo, keyToClient, ivToClient, macToClient)
	if err != nil {
		t.Fatalf("installCipherContext (client read): %v", err)
	}
	pw.ctx = clientWriteCtx
	pr.ctx = clientReadCtx

	// net.Pipe has no internal buffering, so each write below runs in its
	// own goroutine while this one reads the other end.

	// Round trip client -> server, exercising the now-installed s.rx.
	outbound := []byte("hello from client, encrypted")
	writeErr := make(chan error, 1)
	go func() { writeErr <- pw.writePacket(outbound) }()
	got, err := s.rx.readPacket()
	if err != nil {
		t.Fatalf("server reading encrypted packet: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("writing encrypted client->server packet: %v", err)
	}
	if !bytes.Equal(got, outbound) {
		t.Errorf("client->server payload: got %q, want %q", got, outbound)
	}

	// Round trip server -> client, exercising the now-installed s.tx.
	inbound := []byte("hello from server, encrypted")
	go func() { writeErr <- s.tx.writePacket(inbound) }()
	got, err = pr.readPacket()
	if err != nil {
		t.Fatalf("client reading encrypted packet: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("server writing encrypted packet: %v", err)
	}
	if !bytes.Equal(got, inbound) {
		t.Errorf("server->client payload: got %q, want %q", got, inbound)
	}
}

func trimCRLFString(s string) string {
	return string(trimCRLF([]byte(s)))
}
