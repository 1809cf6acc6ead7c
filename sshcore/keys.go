package sshcore

import (
	"crypto"
	"crypto/dsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"io"
	"math/big"
	"os"

	"github.com/pkg/errors"
)

// Host-key algorithm names, in the preference order the driver advertises
// them when both a DSA and an RSA key are loaded (spec.md §4.D step 3:
// "ssh-dss, ssh-rsa, or both, in that order").
const (
	hostAlgoDSA = "ssh-dss"
	hostAlgoRSA = "ssh-rsa"
)

// hostKey wraps a loaded private key together with its algorithm name and
// serialized public blob. zero() destroys the private material in place;
// after zero() is called, sign returns an error rather than panicking, so
// a stray call after KEXDH_REPLY fails loudly instead of touching freed
// memory (the closest a garbage-collected language gets to spec.md §3's
// "host private keys are zeroed and released immediately").
type hostKey struct {
	algo string
	rsa  *rsa.PrivateKey
	dsa  *dsaPrivateKey
	blob []byte
}

// dsaPrivateKey exists only so zero() has bytes to overwrite; crypto/dsa's
// PrivateKey stores *big.Int values, which are not mutable in place
// without reaching into their internal words, so this wrapper keeps its
// own copy of the scalar as a byte slice.
type dsaPrivateKey struct {
	pub dsa.PublicKey
	x   []byte // secret exponent, big-endian
}

func (k *hostKey) sign(rnd io.Reader, digest []byte) ([]byte, error) {
	switch k.algo {
	case hostAlgoRSA:
		if k.rsa == nil {
			return nil, newCryptoError("host key already erased")
		}
		hh := sha1.Sum(digest)
		return rsa.SignPKCS1v15(rnd, k.rsa, crypto.SHA1, hh[:])
	case hostAlgoDSA:
		if k.dsa == nil {
			return nil, newCryptoError("host key already erased")
		}
		hh := sha1.Sum(digest)
		priv := &dsa.PrivateKey{
			PublicKey: k.dsa.pub,
			X:         new(big.Int).SetBytes(k.dsa.x),
		}
		r, s, err := dsa.Sign(rnd, priv, hh[:])
		if err != nil {
			return nil, newCryptoError("dsa sign: %v", err)
		}
		sig := make([]byte, 40)
		rb, sb := r.Bytes(), s.Bytes()
		copy(sig[20-len(rb):20], rb)
		copy(sig[40-len(sb):40], sb)
		return sig, nil
	default:
		return nil, newCryptoError("unsupported host key algorithm %q", k.algo)
	}
}

// zero destroys the private key material in place. Called immediately
// after KEXDH_REPLY per spec.md §4.D step 8.
func (k *hostKey) zero() {
	if k.rsa != nil {
		k.rsa.D.SetInt64(0)
		for _, p := range k.rsa.Primes {
			p.SetInt64(0)
		}
		k.rsa = nil
	}
	if k.dsa != nil {
		for i := range k.dsa.x {
			k.dsa.x[i] = 0
		}
		k.dsa = nil
	}
}

// erased reports whether the private key material has been zeroed and
// released. Used by tests to verify spec.md §3's "host private keys are
// zeroed and released immediately after they have been used" invariant.
func (k *hostKey) erased() bool {
	return k.rsa == nil && k.dsa == nil
}

func (k *hostKey) signature(rnd io.Reader, H []byte) ([]byte, error) {
	sig, err := k.sign(rnd, H)
	if err != nil {
		return nil, err
	}
	w := newWireBuffer()
	w.writeString(k.algo)
	w.writeStringBytes(sig)
	return w.Bytes(), nil
}

// LoadHostKeys reads PEM-encoded PKCS#1 RSA and/or PEM-encoded DSA
// private keys from disk. At least one of rsaPath/dsaPath must be
// non-empty, matching spec.md §8 scenario 2 ("DSA or RSA host key file
// must be set before accept()"). On any parse failure, keys already
// loaded in this call are zeroed before the error is returned so a
// partial load never lingers in memory (spec.md §4.C).
func LoadHostKeys(rsaPath, dsaPath string) (keys []*hostKey, err error) {
	if rsaPath == "" && dsaPath == "" {
		return nil, newConfigError("DSA or RSA host key file must be set before accept()")
	}
	defer func() {
		if err != nil {
			for _, k := range keys {
				k.zero()
			}
			keys = nil
		}
	}()

	if rsaPath != "" {
		k, loadErr := loadRSAHostKey(rsaPath)
		if loadErr != nil {
			return nil, errors.Wrap(loadErr, "loading RSA host key")
		}
		keys = append(keys, k)
	}
	if dsaPath != "" {
		k, loadErr := loadDSAHostKey(dsaPath)
		if loadErr != nil {
			return keys, errors.Wrap(loadErr, "loading DSA host key")
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func loadRSAHostKey(path string) (*hostKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, newIoError(err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, newConfigError("no PEM block found in %s", path)
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, newConfigError("parsing RSA private key: %v", err)
	}
	return &hostKey{algo: hostAlgoRSA, rsa: priv, blob: marshalRSAPublicKey(&priv.PublicKey)}, nil
}

// dsaASN1 mirrors the historical OpenSSL DSA private key ASN.1 layout
// (version, p, q, g, y, x), which is what "openssl dsa" style PEM files
// carry.
type dsaASN1 struct {
	Version int
	P, Q, G, Y, X *big.Int
}

func loadDSAHostKey(path string) (*hostKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, newIoError(err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, newConfigError("no PEM block found in %s", path)
	}
	var parsed dsaASN1
	if _, err := asn1.Unmarshal(block.Bytes, &parsed); err != nil {
		return nil, newConfigError("parsing DSA private key: %v", err)
	}
	pub := dsa.PublicKey{
		Parameters: dsa.Parameters{P: parsed.P, Q: parsed.Q, G: parsed.G},
		Y:          parsed.Y,
	}
	return &hostKey{
		algo: hostAlgoDSA,
		dsa:  &dsaPrivateKey{pub: pub, x: parsed.X.Bytes()},
		blob: marshalDSAPublicKey(&pub),
	}, nil
}

func marshalRSAPublicKey(pub *rsa.PublicKey) []byte {
	w := newWireBuffer()
	w.writeString(hostAlgoRSA)
	w.writeMPInt(big.NewInt(int64(pub.E)))
	w.writeMPInt(pub.N)
	return w.Bytes()
}

func marshalDSAPublicKey(pub *dsa.PublicKey) []byte {
	w := newWireBuffer()
	w.writeString(hostAlgoDSA)
	w.writeMPInt(pub.P)
	w.writeMPInt(pub.Q)
	w.writeMPInt(pub.G)
	w.writeMPInt(pub.Y)
	return w.Bytes()
}

// selectHostKey returns the loaded key matching the negotiated
// host-key algorithm, or nil.
func selectHostKey(keys []*hostKey, algo string) *hostKey {
	for _, k := range keys {
		if k.algo == algo {
			return k
		}
	}
	return nil
}

// parseRSAPublicKeyBlob parses an RSA public key blob in the wire format
// produced by marshalRSAPublicKey (RFC 4253 §6.6): string "ssh-rsa",
// mpint e, mpint n. Grounded on the teacher's parseRSA (keys.go).
func parseRSAPublicKeyBlob(blob []byte) (*rsa.PublicKey, error) {
	w := wrap(blob)
	algo, err := w.readString()
	if err != nil {
		return nil, newProtocolError("malformed RSA public key blob")
	}
	if algo != hostAlgoRSA {
		return nil, newProtocolError("expected %q key blob, got %q", hostAlgoRSA, algo)
	}
	e, err := w.readMPInt()
	if err != nil {
		return nil, newProtocolError("malformed RSA public key blob: e")
	}
	n, err := w.readMPInt()
	if err != nil {
		return nil, newProtocolError("malformed RSA public key blob: n")
	}
	return &rsa.PublicKey{E: int(e.Int64()), N: n}, nil
}

// parseDSAPublicKeyBlob parses a DSA public key blob in the wire format
// produced by marshalDSAPublicKey (RFC 4253 §6.6): string "ssh-dss",
// mpint p, q, g, y. Grounded on the teacher's parseDSA (keys.go).
func parseDSAPublicKeyBlob(blob []byte) (*dsa.PublicKey, error) {
	w := wrap(blob)
	algo, err := w.readString()
	if err != nil {
		return nil, newProtocolError("malformed DSA public key blob")
	}
	if algo != hostAlgoDSA {
		return nil, newProtocolError("expected %q key blob, got %q", hostAlgoDSA, algo)
	}
	p, err := w.readMPInt()
	if err != nil {
		return nil, newProtocolError("malformed DSA public key blob: p")
	}
	q, err := w.readMPInt()
	if err != nil {
		return nil, newProtocolError("malformed DSA public key blob: q")
	}
	g, err := w.readMPInt()
	if err != nil {
		return nil, newProtocolError("malformed DSA public key blob: g")
	}
	y, err := w.readMPInt()
	if err != nil {
		return nil, newProtocolError("malformed DSA public key blob: y")
	}
	return &dsa.PublicKey{Parameters: dsa.Parameters{P: p, Q: q, G: g}, Y: y}, nil
}

// verifyPublicKeySignature checks a RFC 4252 §7 publickey auth signature
// against the key blob the client submitted. sigFormat must match algo
// (this core does not support certificate key types, where the two
// differ); the hash and signature layout for each algorithm follow the
// teacher's rsaPublicKey.Verify / dsaPublicKey.Verify (keys.go).
func verifyPublicKeySignature(algo string, pubKeyBlob []byte, sigFormat string, sigBytes []byte, signedData []byte) bool {
	if sigFormat != algo {
		return false
	}
	digest := sha1.Sum(signedData)
	switch algo {
	case hostAlgoRSA:
		pub, err := parseRSAPublicKeyBlob(pubKeyBlob)
		if err != nil {
			return false
		}
		return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sigBytes) == nil
	case hostAlgoDSA:
		pub, err := parseDSAPublicKeyBlob(pubKeyBlob)
		if err != nil {
			return false
		}
		if len(sigBytes) != 40 {
			return false
		}
		r := new(big.Int).SetBytes(sigBytes[:20])
		s := new(big.Int).SetBytes(sigBytes[20:])
		return dsa.Verify(pub, digest[:], r, s)
	default:
		return false
	}
}

// hostKeyAlgos returns the advertised host-key algorithm list, DSA before
// RSA when both are present, per spec.md §4.D step 3.
func hostKeyAlgos(keys []*hostKey) []string {
	var out []string
	if selectHostKey(keys, hostAlgoDSA) != nil {
		out = append(out, hostAlgoDSA)
	}
	if selectHostKey(keys, hostAlgoRSA) != nil {
		out = append(out, hostAlgoRSA)
	}
	return out
}
