package sshcore

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"sync"

	"golang.org/x/crypto/curve25519"
)

// Key-exchange, host-key, cipher and MAC algorithm names this core
// offers. Grounded on the teacher's common.go supportedKexAlgos /
// supportedHostKeyAlgos / supportedCompressions, extended with
// curve25519-sha256 (SPEC_FULL.md §4.D) and a richer cipher/MAC catalog
// (SPEC_FULL.md §4.B).
const (
	kexAlgoCurve25519SHA256 = "curve25519-sha256"
	kexAlgoDHGroup14SHA1    = "diffie-hellman-group14-sha1"
	kexAlgoDHGroup1SHA1     = "diffie-hellman-group1-sha1"
)

var (
	supportedKexAlgos     = []string{kexAlgoCurve25519SHA256, kexAlgoDHGroup14SHA1, kexAlgoDHGroup1SHA1}
	supportedCiphers      = []string{"aes128-ctr", "aes192-ctr", "aes256-ctr", cipherChaCha20CTR}
	supportedMACs         = []string{"hmac-sha2-256", "hmac-sha1"}
	supportedCompressions = []string{"none"}
)

// algorithmSet holds the negotiated result of the eight algorithm
// categories of spec.md §4.D as named fields (the two language lists are
// carried in kexInitMsg but not negotiated) — the source's bare length-10
// array is exactly the off-by-one hazard spec.md §9 calls out, so this
// core never uses one.
type algorithmSet struct {
	kex                     string
	hostKey                 string
	cipherClientToServer    string
	cipherServerToClient    string
	macClientToServer       string
	macServerToClient       string
	compressionClientServer string
	compressionServerClient string
}

// pickFirst returns the first entry of client that also appears in
// server, per spec.md §4.D: "first name in the client's list that the
// server also offers wins".
func pickFirst(client, server []string) (string, bool) {
	for _, c := range client {
		for _, s := range server {
			if c == s {
				return c, true
			}
		}
	}
	return "", false
}

// negotiateAlgorithms intersects the client and server KEXINIT payloads
// category by category. An empty intersection in any category is a
// protocol error (spec.md §4.D "On any empty intersection: ERROR").
func negotiateAlgorithms(client, server *kexInitMsg) (*algorithmSet, error) {
	a := &algorithmSet{}
	var ok bool
	pairs := []struct {
		name            string
		c, s            []string
		dst             *string
	}{
		{"kex", client.kexAlgos, server.kexAlgos, &a.kex},
		{"host key", client.hostKeyAlgos, server.hostKeyAlgos, &a.hostKey},
		{"cipher c2s", client.ciphersClientToServer, server.ciphersClientToServer, &a.cipherClientToServer},
		{"cipher s2c", client.ciphersServerToClient, server.ciphersServerToClient, &a.cipherServerToClient},
		{"mac c2s", client.macsClientToServer, server.macsClientToServer, &a.macClientToServer},
		{"mac s2c", client.macsServerToClient, server.macsServerToClient, &a.macServerToClient},
		{"compression c2s", client.compressionClientServer, server.compressionClientServer, &a.compressionClientServer},
		{"compression s2c", client.compressionServerClient, server.compressionServerClient, &a.compressionServerClient},
	}
	for _, p := range pairs {
		*p.dst, ok = pickFirst(p.c, p.s)
		if !ok {
			return nil, newProtocolError("no common algorithm for %s", p.name)
		}
	}
	return a, nil
}

// dhGroup is a multiplicative group for classic Diffie-Hellman key
// agreement (RFC 4253/3526). Grounded on the teacher's dhGroup
// (common.go).
type dhGroup struct{ g, p *big.Int }

var (
	dhGroup1Once sync.Once
	dhGroup1     *dhGroup
	dhGroup14Once sync.Once
	dhGroup14    *dhGroup
)

func initDHGroup1() {
	p, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF", 16)
	dhGroup1 = &dhGroup{g: big.NewInt(2), p: p}
}

func initDHGroup14() {
	p, _ := new(big.Int).SetString("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)
	dhGroup14 = &dhGroup{g: big.NewInt(2), p: p}
}

func groupFor(kexAlgo string) (*dhGroup, crypto.Hash, error) {
	switch kexAlgo {
	case kexAlgoDHGroup1SHA1:
		dhGroup1Once.Do(initDHGroup1)
		return dhGroup1, crypto.SHA1, nil
	case kexAlgoDHGroup14SHA1:
		dhGroup14Once.Do(initDHGroup14)
		return dhGroup14, crypto.SHA1, nil
	default:
		return nil, 0, newCryptoError("unsupported classic DH kex algorithm %q", kexAlgo)
	}
}

// kexResult is the outcome of a completed key exchange: the exchange
// hash H (which becomes the session id on the first exchange), the
// shared secret K in its mpint-encoded wire form, and the hash
// algorithm used to derive it (needed again for key expansion).
type kexResult struct {
	H    []byte
	K    []byte
	Hash crypto.Hash
}

// serverDH performs classic (non-elliptic) Diffie-Hellman as specified
// in spec.md §4.D steps 1-5. e is the client's public value from
// KEXDH_INIT; hostKeyBlob and sign together produce the KEXDH_REPLY
// signature.
func serverDH(kexAlgo string, e *big.Int, magics *handshakeMagics, hostKeyBlob []byte, sign func([]byte) ([]byte, error)) (result *kexResult, f *big.Int, sig []byte, err error) {
	group, hashAlgo, err := groupFor(kexAlgo)
	if err != nil {
		return nil, nil, nil, err
	}
	if e.Sign() <= 0 || e.Cmp(group.p) >= 0 {
		return nil, nil, nil, newCryptoError("DH parameter e out of bounds")
	}

	y, err := rand.Int(rand.Reader, group.p)
	if err != nil {
		return nil, nil, nil, newCryptoError("generating y: %v", err)
	}
	f = new(big.Int).Exp(group.g, y, group.p)
	k := new(big.Int).Exp(e, y, group.p)

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
	H := h.Sum(nil)

	sig, err = sign(H)
	if err != nil {
		return nil, nil, nil, err
	}

	kw := newWireBuffer()
	kw.writeMPInt(k)

	return &kexResult{H: H, K: kw.Bytes(), Hash: hashAlgo}, f, sig, nil
}

// serverECDH performs curve25519-sha256 key exchange (RFC 8731),
// wired to golang.org/x/crypto/curve25519 (SPEC_FULL.md §10).
func serverECDH(clientPub []byte, magics *handshakeMagics, hostKeyBlob []byte, sign func([]byte) ([]byte, error)) (result *kexResult, serverPub []byte, sig []byte, err error) {
	if len(clientPub) != 32 {
		return nil, nil, nil, newCryptoError("invalid curve25519 client public value length %d", len(clientPub))
	}
	var scalar, serverPubArr [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, nil, nil, newCryptoError("generating ephemeral scalar: %v", err)
	}
	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, nil, newCryptoError("computing ephemeral public value: %v", err)
	}
	copy(serverPubArr[:], pub)

	secret, err := curve25519.X25519(scalar[:], clientPub)
	if err != nil {
		return nil, nil, nil, newCryptoError("computing shared secret: %v", err)
	}
	k := new(big.Int).SetBytes(secret)

	h := sha256.New()
	hw := newWireBuffer()
	hw.writeString(string(magics.clientVersion))
	hw.writeString(string(magics.serverVersion))
	hw.writeStringBytes(magics.clientKexInit)
	hw.writeStringBytes(magics.serverKexInit)
	hw.writeStringBytes(hostKeyBlob)
	hw.writeStringBytes(clientPub)
	hw.writeStringBytes(serverPubArr[:])
	hw.writeMPInt(k)
	h.Write(hw.Bytes())
	H := h.Sum(nil)

	sig, err = sign(H)
	if err != nil {
		return nil, nil, nil, err
	}

	kw := newWireBuffer()
	kw.writeMPInt(k)

	return &kexResult{H: H, K: kw.Bytes(), Hash: crypto.SHA256}, serverPubArr[:], sig, nil
}

// deriveKey implements the RFC 4253 §7.2 key-expansion function
// HASH(K || H || X || session_id), extending by rehashing when an
// algorithm needs more bytes than one hash produces. Grounded on
// albertjin-ssh's dh.go `hash` closure, generalized to arbitrary length
// and hash algorithm.
func deriveKey(hashAlgo crypto.Hash, K, H []byte, x byte, sessionID []byte, size int) []byte {
	hf := hashAlgo.New()
	hf.Write(K)
	hf.Write(H)
	hf.Write([]byte{x})
	hf.Write(sessionID)
	key := hf.Sum(nil)

	for len(key) < size {
		hf := hashAlgo.New()
		hf.Write(K)
		hf.Write(H)
		hf.Write(key)
		key = append(key, hf.Sum(nil)...)
	}
	return key[:size]
}
