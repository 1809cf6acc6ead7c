package sshcore

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestHostKeyZeroErasesRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	k := &hostKey{algo: hostAlgoRSA, rsa: priv, blob: marshalRSAPublicKey(&priv.PublicKey)}

	if k.erased() {
		t.Fatal("freshly loaded key reports erased")
	}
	if _, err := k.sign(rand.Reader, []byte("exchange hash")); err != nil {
		t.Fatalf("sign before zero: %v", err)
	}

	k.zero()

	if !k.erased() {
		t.Error("zero() did not mark the key erased")
	}
	if _, err := k.sign(rand.Reader, []byte("exchange hash")); err == nil {
		t.Error("sign() after zero(): expected error, got nil")
	}
}

func TestLoadHostKeysRequiresAtLeastOnePath(t *testing.T) {
	if _, err := LoadHostKeys("", ""); err == nil {
		t.Error("LoadHostKeys with no paths: expected error, got nil")
	}
}

func TestHostKeyAlgosPrefersDSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	keys := []*hostKey{
		{algo: hostAlgoRSA, rsa: priv, blob: marshalRSAPublicKey(&priv.PublicKey)},
		{algo: hostAlgoDSA, dsa: &dsaPrivateKey{}, blob: []byte("dsa-blob")},
	}
	algos := hostKeyAlgos(keys)
	if len(algos) != 2 || algos[0] != hostAlgoDSA || algos[1] != hostAlgoRSA {
		t.Errorf("hostKeyAlgos: got %v, want [%s %s]", algos, hostAlgoDSA, hostAlgoRSA)
	}
}

func TestSelectHostKeyMissing(t *testing.T) {
	if selectHostKey(nil, hostAlgoRSA) != nil {
		t.Error("selectHostKey on empty slice: expected nil")
	}
}
