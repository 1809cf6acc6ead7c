package sshcore

import (
	"crypto"
	"testing"
)

func TestPickFirstClientPriority(t *testing.T) {
	client := []string{"diffie-hellman-group1-sha1", "curve25519-sha256", "diffie-hellman-group14-sha1"}
	server := []string{"diffie-hellman-group14-sha1", "curve25519-sha256"}

	got, ok := pickFirst(client, server)
	if !ok {
		t.Fatal("pickFirst: expected a match")
	}
	// group1 is first in the client's list but the server doesn't offer
	// it; curve25519 is the client's next preference and the server
	// offers it, so it must win even though group14 comes first in the
	// server's list.
	if got != "curve25519-sha256" {
		t.Errorf("pickFirst: got %q, want %q", got, "curve25519-sha256")
	}
}

func TestPickFirstNoIntersection(t *testing.T) {
	_, ok := pickFirst([]string{"a"}, []string{"b"})
	if ok {
		t.Error("pickFirst with disjoint lists: expected no match")
	}
}

func newTestKexInit(kex, hostKey, cipher, mac string) *kexInitMsg {
	return &kexInitMsg{
		kexAlgos:                []string{kex},
		hostKeyAlgos:            []string{hostKey},
		ciphersClientToServer:   []string{cipher},
		ciphersServerToClient:   []string{cipher},
		macsClientToServer:      []string{mac},
		macsServerToClient:      []string{mac},
		compressionClientServer: []string{"none"},
		compressionServerClient: []string{"none"},
	}
}

func TestNegotiateAlgorithmsSuccess(t *testing.T) {
	client := newTestKexInit(kexAlgoCurve25519SHA256, hostAlgoRSA, "aes128-ctr", "hmac-sha2-256")
	server := newTestKexInit(kexAlgoCurve25519SHA256, hostAlgoRSA, "aes128-ctr", "hmac-sha2-256")

	a, err := negotiateAlgorithms(client, server)
	if err != nil {
		t.Fatalf("negotiateAlgorithms: %v", err)
	}
	if a.kex != kexAlgoCurve25519SHA256 {
		t.Errorf("kex: got %q", a.kex)
	}
	if a.hostKey != hostAlgoRSA {
		t.Errorf("hostKey: got %q", a.hostKey)
	}
}

func TestNegotiateAlgorithmsEmptyIntersection(t *testing.T) {
	client := newTestKexInit(kexAlgoCurve25519SHA256, hostAlgoRSA, "aes128-ctr", "hmac-sha2-256")
	server := newTestKexInit(kexAlgoDHGroup14SHA1, hostAlgoRSA, "aes128-ctr", "hmac-sha2-256")

	if _, err := negotiateAlgorithms(client, server); err == nil {
		t.Error("negotiateAlgorithms with no common kex algorithm: expected error, got nil")
	}
}

func TestDeriveKeyExtendsByRehash(t *testing.T) {
	K := []byte("shared secret")
	H := []byte("exchange hash")
	sessionID := []byte("session id")

	short := deriveKey(crypto.SHA256, K, H, 'A', sessionID, 16)
	long := deriveKey(crypto.SHA256, K, H, 'A', sessionID, 64)

	if len(short) != 16 {
		t.Fatalf("short key length: got %d, want 16", len(short))
	}
	if len(long) != 64 {
		t.Fatalf("long key length: got %d, want 64", len(long))
	}
	for i := range short {
		if short[i] != long[i] {
			t.Errorf("extended key diverges from its own prefix at byte %d", i)
			break
		}
	}
}

func TestGroupForUnsupportedAlgo(t *testing.T) {
	if _, _, err := groupFor("not-a-real-algorithm"); err == nil {
		t.Error("groupFor with unsupported algorithm: expected error, got nil")
	}
}
