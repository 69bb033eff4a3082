// Package crypto provides request signing for the treasury API and
// secp256k1 attestations for settlement decisions.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Typed-data hashes, pre-computed keccak256 of the canonical type strings.
var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Resolution(uint256 marketId,bool outcome,uint256 timestamp)
	resolutionTypeHash = ethcrypto.Keccak256(
		[]byte("Resolution(uint256 marketId,bool outcome,uint256 timestamp)"),
	)

	// Cancellation(uint256 marketId,uint256 timestamp)
	cancellationTypeHash = ethcrypto.Keccak256(
		[]byte("Cancellation(uint256 marketId,uint256 timestamp)"),
	)
)

// Attestor produces and verifies EIP-712 style attestations over settlement
// decisions. A resolution attestation lets the authority sign off-line and
// lets anyone verify which address authorized an outcome.
type Attestor struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewAttestor creates an Attestor from a hex-encoded secp256k1 private key.
func NewAttestor(privateKeyHex string, chainID int) (*Attestor, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/attestor: invalid private key: %w", err)
	}

	return &Attestor{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  buildDomainSeparator("StakehouseSettlement", "1", chainID),
	}, nil
}

// Address returns the address derived from the attestor's private key.
func (a *Attestor) Address() common.Address {
	return a.address
}

// SignResolution signs a resolution decision. The returned string is a
// hex-encoded 65-byte signature (r || s || v).
func (a *Attestor) SignResolution(marketID int64, outcome bool, timestamp int64) (string, error) {
	digest := resolutionDigest(a.domainSep, marketID, outcome, timestamp)
	return a.signDigest(digest)
}

// SignCancellation signs a cancellation decision.
func (a *Attestor) SignCancellation(marketID, timestamp int64) (string, error) {
	digest := cancellationDigest(a.domainSep, marketID, timestamp)
	return a.signDigest(digest)
}

// RecoverResolutionSigner returns the address that signed a resolution
// attestation. Verification only needs the domain, not a private key.
func RecoverResolutionSigner(chainID int, marketID int64, outcome bool, timestamp int64, sigHex string) (common.Address, error) {
	domainSep := buildDomainSeparator("StakehouseSettlement", "1", chainID)
	digest := resolutionDigest(domainSep, marketID, outcome, timestamp)
	return recoverSigner(digest, sigHex)
}

// RecoverCancellationSigner returns the address that signed a cancellation
// attestation.
func RecoverCancellationSigner(chainID int, marketID, timestamp int64, sigHex string) (common.Address, error) {
	domainSep := buildDomainSeparator("StakehouseSettlement", "1", chainID)
	digest := cancellationDigest(domainSep, marketID, timestamp)
	return recoverSigner(digest, sigHex)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func resolutionDigest(domainSep []byte, marketID int64, outcome bool, timestamp int64) []byte {
	var outcomeWord big.Int
	if outcome {
		outcomeWord.SetInt64(1)
	}
	structHash := ethcrypto.Keccak256(
		concatBytes(
			resolutionTypeHash,
			bigIntTo32Bytes(big.NewInt(marketID)),
			bigIntTo32Bytes(&outcomeWord),
			bigIntTo32Bytes(big.NewInt(timestamp)),
		),
	)
	return eip712Hash(domainSep, structHash)
}

func cancellationDigest(domainSep []byte, marketID, timestamp int64) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			cancellationTypeHash,
			bigIntTo32Bytes(big.NewInt(marketID)),
			bigIntTo32Bytes(big.NewInt(timestamp)),
		),
	)
	return eip712Hash(domainSep, structHash)
}

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func buildDomainSeparator(name, version string, chainID int) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(big.NewInt(int64(chainID))),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// hex-encoded signature (r || s || v, 65 bytes).
func (a *Attestor) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/attestor: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; typed-data consumers expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

func recoverSigner(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/attestor: decode signature: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/attestor: signature length %d, want 65", len(sig))
	}

	// Undo the {27,28} offset for go-ethereum's recovery.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(digest, recSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/attestor: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
