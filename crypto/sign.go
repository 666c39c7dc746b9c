package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = crypto.SignatureLength

var errBadSignature = errors.New("crypto: malformed signature")

// SignDigest produces a 65 byte [R || S || V] signature over digest with V in
// {27, 28}, the form wallets hand out.
func SignDigest(key *PrivateKey, digest common.Hash) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(digest.Bytes(), key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverDigest returns the address that produced sig over digest. Both the
// {0,1} and {27,28} recovery id conventions are accepted.
func RecoverDigest(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", errBadSignature, SignatureLength, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: invalid recovery id", errBadSignature)
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignMessage signs msg using the EIP-191 personal message prefix.
func SignMessage(key *PrivateKey, msg []byte) ([]byte, error) {
	return SignDigest(key, common.BytesToHash(accounts.TextHash(msg)))
}

// RecoverMessage recovers the signer of an EIP-191 personal message.
func RecoverMessage(msg, sig []byte) (common.Address, error) {
	return RecoverDigest(common.BytesToHash(accounts.TextHash(msg)), sig)
}

// VerifyMessage reports whether sig is a valid EIP-191 signature by want.
func VerifyMessage(want common.Address, msg, sig []byte) bool {
	got, err := RecoverMessage(msg, sig)
	return err == nil && got == want
}
