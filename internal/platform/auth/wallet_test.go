package auth

import (
	"crypto/ecdsa"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

// personalSign signs msg the way wallets do, with V as 27 or 28.
func personalSign(t *testing.T, key *ecdsa.PrivateKey, msg string) []byte {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}

func TestRecoverSigner(t *testing.T) {
	key := newKey(t)
	want := crypto.PubkeyToAddress(key.PublicKey)
	msg := ChallengeMessage("medclaim.test", want, "abc")
	sig := personalSign(t, key, msg)

	got, err := RecoverSigner(msg, sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if got != want {
		t.Errorf("expected %s, got %s", want.Hex(), got.Hex())
	}

	raw := make([]byte, len(sig))
	copy(raw, sig)
	raw[crypto.RecoveryIDOffset] -= 27
	if got, err := RecoverSigner(msg, raw); err != nil || got != want {
		t.Errorf("0/1 recovery id: got %s, %v", got.Hex(), err)
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		t.Error("RecoverSigner must not modify its input")
	}
}

func TestRecoverSigner_Malformed(t *testing.T) {
	key := newKey(t)
	sig := personalSign(t, key, "hello")

	if _, err := RecoverSigner("hello", sig[:64]); !errors.Is(err, ErrBadSignature) {
		t.Errorf("short signature: expected ErrBadSignature, got %v", err)
	}
	bad := make([]byte, len(sig))
	copy(bad, sig)
	bad[crypto.RecoveryIDOffset] = 35
	if _, err := RecoverSigner("hello", bad); !errors.Is(err, ErrBadSignature) {
		t.Errorf("bad recovery id: expected ErrBadSignature, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	key := newKey(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	other := crypto.PubkeyToAddress(newKey(t).PublicKey)
	msg := ChallengeMessage("medclaim.test", addr, "n1")
	sigHex := hexutil.Encode(personalSign(t, key, msg))

	if err := VerifySignature(addr, msg, sigHex); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := VerifySignature(other, msg, sigHex); !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("other address: expected ErrSignerMismatch, got %v", err)
	}
	if err := VerifySignature(addr, msg+"x", sigHex); !errors.Is(err, ErrSignerMismatch) {
		t.Errorf("changed message: expected ErrSignerMismatch, got %v", err)
	}
	if err := VerifySignature(addr, msg, "zz"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("bad hex: expected ErrBadSignature, got %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"0x5B38Da6a701c568545dCfcB03FcB875f56beddC4", false},
		{"0x5b38da6a701c568545dcfcb03fcb875f56beddc4", false},
		{"5b38da6a701c568545dcfcb03fcb875f56beddc4", false},
		{"0x0000000000000000000000000000000000000000", true},
		{"0x1234", true},
		{"", true},
		{"hospital", true},
	}
	for _, tt := range tests {
		_, err := ParseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
