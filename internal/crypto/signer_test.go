package crypto

import (
	"testing"
)

// Well-known test vector key; never used outside tests.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestResolutionAttestationRoundTrip(t *testing.T) {
	a, err := NewAttestor(testKeyHex, 137)
	if err != nil {
		t.Fatalf("NewAttestor: %v", err)
	}

	sig, err := a.SignResolution(42, true, 1700000000)
	if err != nil {
		t.Fatalf("SignResolution: %v", err)
	}

	recovered, err := RecoverResolutionSigner(137, 42, true, 1700000000, sig)
	if err != nil {
		t.Fatalf("RecoverResolutionSigner: %v", err)
	}
	if recovered != a.Address() {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), a.Address().Hex())
	}

	// A flipped outcome recovers a different address.
	recovered, err = RecoverResolutionSigner(137, 42, false, 1700000000, sig)
	if err != nil {
		t.Fatalf("RecoverResolutionSigner flipped: %v", err)
	}
	if recovered == a.Address() {
		t.Fatal("tampered outcome must not recover the signer")
	}
}

func TestCancellationAttestationRoundTrip(t *testing.T) {
	a, err := NewAttestor("0x"+testKeyHex, 137)
	if err != nil {
		t.Fatalf("NewAttestor with 0x prefix: %v", err)
	}

	sig, err := a.SignCancellation(7, 1700000000)
	if err != nil {
		t.Fatalf("SignCancellation: %v", err)
	}

	recovered, err := RecoverCancellationSigner(137, 7, 1700000000, sig)
	if err != nil {
		t.Fatalf("RecoverCancellationSigner: %v", err)
	}
	if recovered != a.Address() {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), a.Address().Hex())
	}

	// The domain binds the chain ID: a different chain recovers a
	// different address.
	recovered, err = RecoverCancellationSigner(1, 7, 1700000000, sig)
	if err != nil {
		t.Fatalf("RecoverCancellationSigner other chain: %v", err)
	}
	if recovered == a.Address() {
		t.Fatal("cross-chain replay must not recover the signer")
	}
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	if _, err := RecoverResolutionSigner(137, 1, true, 0, "0xdeadbeef"); err == nil {
		t.Fatal("short signature must be rejected")
	}
	if _, err := RecoverResolutionSigner(137, 1, true, 0, "zzzz"); err == nil {
		t.Fatal("non-hex signature must be rejected")
	}
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}

	got, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if got != testKeyHex {
		t.Fatalf("decrypted key %q != original", got)
	}

	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("wrong password must fail authentication")
	}
}

func TestLoadKeyPrecedence(t *testing.T) {
	key, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	if err != nil {
		t.Fatalf("LoadKey raw: %v", err)
	}
	if key != testKeyHex {
		t.Fatalf("LoadKey = %q, want prefix stripped", key)
	}

	if _, err := LoadKey(KeyConfig{}); err == nil {
		t.Fatal("empty config must error")
	}
}
