package sshcore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20"
)

// cipherChaCha20CTR is a vendor-namespaced stream cipher offered last in
// this core's cipher preference order so it exercises the pack's
// golang.org/x/crypto/chacha20 dependency (SPEC_FULL.md §4.B) without a
// real client ever negotiating it ahead of a standard AEAD-free cipher.
const cipherChaCha20CTR = "chacha20-ctr@sshcore.rgo"

// streamCipher is the narrow contract the packet framer needs from an
// installed cipher: XOR a keystream over payload bytes in place. Both
// crypto/cipher.Stream (returned by cipher.NewCTR) and
// golang.org/x/crypto/chacha20.Cipher satisfy it already.
type streamCipher interface {
	XORKeyStream(dst, src []byte)
}

type cipherSpec struct {
	keySize, ivSize, blockSize int
	newCipher                  func(key, iv []byte) (streamCipher, error)
}

var cipherSpecs = map[string]cipherSpec{
	"aes128-ctr": {keySize: 16, ivSize: 16, blockSize: 16, newCipher: newAESCTR},
	"aes192-ctr": {keySize: 24, ivSize: 16, blockSize: 16, newCipher: newAESCTR},
	"aes256-ctr": {keySize: 32, ivSize: 16, blockSize: 16, newCipher: newAESCTR},
	cipherChaCha20CTR: {keySize: chacha20.KeySize, ivSize: chacha20.NonceSize, blockSize: 8, newCipher: newChaCha20CTR},
}

func newAESCTR(key, iv []byte) (streamCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, newCryptoError("aes key setup: %v", err)
	}
	return cipher.NewCTR(block, iv), nil
}

func newChaCha20CTR(key, iv []byte) (streamCipher, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, iv)
	if err != nil {
		return nil, newCryptoError("chacha20 key setup: %v", err)
	}
	return c, nil
}

type macSpec struct {
	keySize int
	newHash func() hash.Hash
}

var macSpecs = map[string]macSpec{
	"hmac-sha1":     {keySize: 20, newHash: sha1.New},
	"hmac-sha2-256": {keySize: 32, newHash: sha256.New},
}

const minPacketLength = 16
const maxPacketLength = 35000

// packetReader/packetWriter implement the SSH Binary Packet Protocol of
// spec.md §4.B: packet_length(u32) | padding_length(u8) | payload |
// padding | MAC. Sequence numbers live here, not on cryptoContext,
// because spec.md §5 requires them to persist across the NEWKEYS
// transition rather than reset when the crypto context is replaced.
type packetReader struct {
	r   io.Reader
	seq uint32
	ctx *cryptoContext // nil before NEWKEYS
}

type packetWriter struct {
	w   io.Writer
	seq uint32
	ctx *cryptoContext // nil before NEWKEYS
}

func newPacketReader(r io.Reader) *packetReader { return &packetReader{r: r} }
func newPacketWriter(w io.Writer) *packetWriter { return &packetWriter{w: w} }

// readPacket reads exactly one BPP packet and returns its payload
// (without padding or MAC). Fails with ProtocolError on oversized
// packets, undersized padding, block misalignment or MAC mismatch, per
// spec.md §4.B.
func (pr *packetReader) readPacket() ([]byte, error) {
	blockSize := 8
	if pr.ctx != nil {
		blockSize = pr.ctx.blockSize
	}
	if blockSize < 8 {
		blockSize = 8
	}

	first := make([]byte, blockSize)
	if _, err := io.ReadFull(pr.r, first); err != nil {
		return nil, newIoError(err)
	}

	decrypted := make([]byte, blockSize)
	copy(decrypted, first)
	if pr.ctx != nil && pr.ctx.cipher != nil {
		pr.ctx.cipher.XORKeyStream(decrypted, first)
	}

	w := wrap(decrypted)
	packetLength, err := w.readUint32()
	if err != nil {
		return nil, err
	}
	if packetLength > maxPacketLength {
		return nil, newProtocolError("packet_length %d exceeds maximum %d", packetLength, maxPacketLength)
	}
	paddingLength, err := w.readUint8()
	if err != nil {
		return nil, err
	}
	if paddingLength < 4 {
		return nil, newProtocolError("padding_length %d below minimum 4", paddingLength)
	}
	if int(packetLength)+4 < minPacketLength {
		return nil, newProtocolError("total packet length below minimum %d", minPacketLength)
	}
	if (int(packetLength)+4)%blockSize != 0 {
		return nil, newProtocolError("packet length %d is not a multiple of block size %d", int(packetLength)+4, blockSize)
	}

	remaining := int(packetLength) - 1 - (blockSize - 5)
	if remaining < 0 {
		return nil, newProtocolError("malformed packet_length/padding_length combination")
	}

	macSize := 0
	if pr.ctx != nil && pr.ctx.hashNew != nil {
		macSize = pr.ctx.hashNew().Size()
	}

	rest := make([]byte, remaining+macSize)
	if _, err := io.ReadFull(pr.r, rest); err != nil {
		return nil, newIoError(err)
	}

	ciphertextRest := rest[:remaining]
	mac := rest[remaining:]

	plaintextRest := make([]byte, remaining)
	copy(plaintextRest, ciphertextRest)
	if pr.ctx != nil && pr.ctx.cipher != nil {
		pr.ctx.cipher.XORKeyStream(plaintextRest, ciphertextRest)
	}

	full := append(append([]byte{}, decrypted...), plaintextRest...)

	if pr.ctx != nil && pr.ctx.hashNew != nil {
		mac2 := computeMAC(pr.ctx.hashNew, pr.ctx.macKey, pr.seq, full)
		if !hmacEqual(mac2, mac) {
			return nil, newProtocolError("MAC mismatch")
		}
	}

	pr.seq++

	payload := full[5 : 4+int(packetLength)-int(paddingLength)]
	return payload, nil
}

// writePacket frames payload as one BPP packet and writes it. On any
// mid-packet failure the caller's output buffer is simply discarded
// (nothing has been written yet, since framing happens before the
// single Write call), satisfying spec.md §5's "a partial packet is
// never transmitted".
func (pw *packetWriter) writePacket(payload []byte) error {
	blockSize := 8
	if pw.ctx != nil {
		blockSize = pw.ctx.blockSize
	}
	if blockSize < 8 {
		blockSize = 8
	}

	padLen := blockSize - ((5 + len(payload)) % blockSize)
	if padLen < 4 {
		padLen += blockSize
	}
	total := 1 + len(payload) + padLen
	for total+4 < minPacketLength {
		padLen += blockSize
		total = 1 + len(payload) + padLen
	}

	w := newWireBuffer()
	w.writeUint32(uint32(total))
	w.writeUint8(uint8(padLen))
	w.writeBytes(payload)
	padding := make([]byte, padLen)
	if _, err := io.ReadFull(secureRandom, padding); err != nil {
		return newCryptoError("generating padding: %v", err)
	}
	w.writeBytes(padding)

	plaintext := w.Bytes()

	var mac []byte
	if pw.ctx != nil && pw.ctx.hashNew != nil {
		mac = computeMAC(pw.ctx.hashNew, pw.ctx.macKey, pw.seq, plaintext)
	}

	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	if pw.ctx != nil && pw.ctx.cipher != nil {
		pw.ctx.cipher.XORKeyStream(out, plaintext)
	}
	out = append(out, mac...)

	pw.seq++

	if _, err := pw.w.Write(out); err != nil {
		return newIoError(err)
	}
	return nil
}

// computeMAC implements RFC 4253 §6.4: HMAC over the sequence number
// followed by the unencrypted packet.
func computeMAC(newHash func() hash.Hash, key []byte, seq uint32, packet []byte) []byte {
	mac := hmac.New(newHash, key)
	var seqBuf [4]byte
	seqBuf[0] = byte(seq >> 24)
	seqBuf[1] = byte(seq >> 16)
	seqBuf[2] = byte(seq >> 8)
	seqBuf[3] = byte(seq)
	mac.Write(seqBuf[:])
	mac.Write(packet)
	return mac.Sum(nil)
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// installCipherContext builds a cryptoContext for one direction from
// the negotiated algorithm names and derived key material.
func installCipherContext(cipherAlgo, macAlgo string, cipherKey, iv, macKey []byte) (*cryptoContext, error) {
	cs, ok := cipherSpecs[cipherAlgo]
	if !ok {
		return nil, newCryptoError("unsupported cipher %q", cipherAlgo)
	}
	ms, ok := macSpecs[macAlgo]
	if !ok {
		return nil, newCryptoError("unsupported mac %q", macAlgo)
	}
	if len(cipherKey) != cs.keySize {
		return nil, newAllocError("cipher %q key material: got %d bytes, want %d", cipherAlgo, len(cipherKey), cs.keySize)
	}
	if len(iv) != cs.ivSize {
		return nil, newAllocError("cipher %q iv material: got %d bytes, want %d", cipherAlgo, len(iv), cs.ivSize)
	}
	if len(macKey) != ms.keySize {
		return nil, newAllocError("mac %q key material: got %d bytes, want %d", macAlgo, len(macKey), ms.keySize)
	}
	c, err := cs.newCipher(cipherKey, iv)
	if err != nil {
		return nil, err
	}
	return &cryptoContext{
		cipherAlgo: cipherAlgo,
		macAlgo:    macAlgo,
		cipher:     c,
		macKey:     macKey,
		hashNew:    ms.newHash,
		blockSize:  cs.blockSize,
	}, nil
}
