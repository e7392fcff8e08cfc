package btc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// PubKeyHashSize is the length of a HASH160 public-key hash.
const PubKeyHashSize = 20

var (
	// ErrMalformedInput is the root of every input-format failure in this package.
	ErrMalformedInput = errors.New("btc: malformed input")
	// ErrMalformedAddress indicates a checksum, alphabet or length failure while decoding an address.
	ErrMalformedAddress = fmt.Errorf("%w: malformed address", ErrMalformedInput)
	// ErrUnknownNetwork indicates an unsupported network name.
	ErrUnknownNetwork = errors.New("btc: unknown network")
)

// PubKeyHash is the 20-byte HASH160 carried by a legacy P2PKH address.
type PubKeyHash [PubKeyHashSize]byte

// DecodeAddress decodes a base58check address and strips its one-byte version prefix.
func DecodeAddress(address string) (PubKeyHash, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return PubKeyHash{}, fmt.Errorf("%w: empty", ErrMalformedAddress)
	}
	payload, _, err := base58.CheckDecode(trimmed)
	if err != nil {
		return PubKeyHash{}, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
	}
	if len(payload) != PubKeyHashSize {
		return PubKeyHash{}, fmt.Errorf("%w: expected %d byte hash, got %d", ErrMalformedAddress, PubKeyHashSize, len(payload))
	}
	var hash PubKeyHash
	copy(hash[:], payload)
	return hash, nil
}

// BuildSpendScript returns the legacy P2PKH script OP_DUP OP_HASH160 <hash> OP_EQUALVERIFY OP_CHECKSIG.
func BuildSpendScript(hash PubKeyHash) []byte {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(hash[:]).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		// A 20-byte push cannot exceed script limits.
		panic(err)
	}
	return script
}

// NetworkParams resolves a network name to chain parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mainnet", "main", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test", "":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, name)
	}
}

// AddressFromPublicKey encodes the P2PKH address of a serialized public key.
func AddressFromPublicKey(publicKey []byte, params *chaincfg.Params) (string, error) {
	if params == nil {
		params = &chaincfg.TestNet3Params
	}
	address, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(publicKey), params)
	if err != nil {
		return "", err
	}
	return address.EncodeAddress(), nil
}

// PublicKeyMatchesAddress reports whether HASH160(publicKey) equals the hash encoded in address.
func PublicKeyMatchesAddress(publicKey []byte, address string) (bool, error) {
	hash, err := DecodeAddress(address)
	if err != nil {
		return false, err
	}
	var derived PubKeyHash
	copy(derived[:], btcutil.Hash160(publicKey))
	return derived == hash, nil
}
