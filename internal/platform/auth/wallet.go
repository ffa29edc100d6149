package auth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrBadSignature   = errors.New("malformed signature")
	ErrSignerMismatch = errors.New("signature was not produced by the claimed address")
)

// ParseAddress accepts a 0x-prefixed 20-byte hex address. The zero address is
// refused because it stands for "nobody" in the registry.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	a := common.HexToAddress(s)
	if a == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address is not a valid identity")
	}
	return a, nil
}

// ChallengeMessage is the text a wallet signs to log in. It is rebuilt on
// login from the stored nonce, so it must not contain anything else that
// varies between the two calls.
func ChallengeMessage(domain string, addr common.Address, nonce string) string {
	return fmt.Sprintf("%s wants you to sign in with your wallet:\n%s\n\nNonce: %s", domain, addr.Hex(), nonce)
}

// RecoverSigner returns the address whose key produced sig, a 65-byte
// personal_sign signature over msg. Both V conventions (0/1 and 27/28) are
// accepted.
func RecoverSigner(msg string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	if s[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, ErrBadSignature
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that the 0x-hex signature over msg was made by addr.
func VerifySignature(addr common.Address, msg, sigHex string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return ErrBadSignature
	}
	signer, err := RecoverSigner(msg, sig)
	if err != nil {
		return err
	}
	if signer != addr {
		return ErrSignerMismatch
	}
	return nil
}
