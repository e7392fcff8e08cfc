package btc

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxSatoshis bounds every amount to the total supply in its smallest unit.
	MaxSatoshis uint64 = 21_000_000 * 100_000_000
	// MaxAuxPayloadBytes is the largest payload embedded in the marker output.
	MaxAuxPayloadBytes = 80
	// MaxAuxPayloadHexLength is MaxAuxPayloadBytes in hex characters.
	MaxAuxPayloadHexLength = MaxAuxPayloadBytes * 2

	txVersion  = 1
	txLockTime = 0
	txIDLength = chainhash.HashSize * 2
)

var (
	// ErrInvalidAddress indicates that a funder or receiver address failed to decode.
	ErrInvalidAddress = fmt.Errorf("%w: invalid address", ErrMalformedInput)
	// ErrInvalidTxID indicates that the previous transaction id is not 64 hex digits.
	ErrInvalidTxID = fmt.Errorf("%w: invalid transaction id", ErrMalformedInput)
	// ErrAmountOutOfRange indicates an amount above MaxSatoshis.
	ErrAmountOutOfRange = fmt.Errorf("%w: amount out of range", ErrMalformedInput)
	// ErrPayloadTooLarge indicates an auxiliary payload above MaxAuxPayloadHexLength characters.
	ErrPayloadTooLarge = fmt.Errorf("%w: auxiliary payload too large", ErrMalformedInput)
	// ErrInvalidPayload indicates an auxiliary payload that is not valid hexadecimal.
	ErrInvalidPayload = fmt.Errorf("%w: auxiliary payload is not hex", ErrMalformedInput)
	// ErrInvalidPublicKey indicates a funder public key that cannot be pushed into a scriptSig.
	ErrInvalidPublicKey = fmt.Errorf("%w: invalid public key", ErrMalformedInput)
)

// SpendParams carries everything needed to assemble the withdrawal transaction.
type SpendParams struct {
	PrevTxID        string
	PrevVout        uint32
	FunderAddress   string
	ReceiverAddress string
	Amount          uint64
	Change          uint64
	// AuxPayloadHex is embedded in a zero-value OP_RETURN output when non-empty.
	AuxPayloadHex string
}

// UnsignedTransaction is a single-input withdrawal whose input still carries the
// funder's P2PKH script as the placeholder scriptSig.
type UnsignedTransaction struct {
	msg          *wire.MsgTx
	funderScript []byte
}

// BuildUnsigned assembles the unsigned withdrawal transaction.
func BuildUnsigned(params SpendParams) (*UnsignedTransaction, error) {
	prevHash, err := ParseTxID(params.PrevTxID)
	if err != nil {
		return nil, err
	}
	if err := ValidateAmount(params.Amount); err != nil {
		return nil, fmt.Errorf("spend: %w", err)
	}
	if err := ValidateAmount(params.Change); err != nil {
		return nil, fmt.Errorf("change: %w", err)
	}
	payload, err := DecodeAuxPayload(params.AuxPayloadHex)
	if err != nil {
		return nil, err
	}

	funderHash, err := DecodeAddress(params.FunderAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: funder: %w", ErrInvalidAddress, err)
	}
	receiverHash, err := DecodeAddress(params.ReceiverAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver: %w", ErrInvalidAddress, err)
	}
	funderScript := BuildSpendScript(funderHash)

	msg := wire.NewMsgTx(txVersion)
	msg.LockTime = txLockTime

	input := wire.NewTxIn(wire.NewOutPoint(prevHash, params.PrevVout), append([]byte(nil), funderScript...), nil)
	input.Sequence = wire.MaxTxInSequenceNum
	msg.AddTxIn(input)

	msg.AddTxOut(wire.NewTxOut(int64(params.Amount), BuildSpendScript(receiverHash)))
	msg.AddTxOut(wire.NewTxOut(int64(params.Change), append([]byte(nil), funderScript...)))
	if payload != nil {
		msg.AddTxOut(wire.NewTxOut(0, buildMarkerScript(payload)))
	}

	return &UnsignedTransaction{
		msg:          msg,
		funderScript: funderScript,
	}, nil
}

// ParseTxID parses a display-order transaction id of exactly 64 hex digits in any case.
// Any other character, surrounding whitespace included, is rejected.
func ParseTxID(value string) (*chainhash.Hash, error) {
	if len(value) != txIDLength {
		return nil, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidTxID, txIDLength, len(value))
	}
	if _, err := hex.DecodeString(value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxID, err)
	}
	hash, err := chainhash.NewHashFromStr(strings.ToLower(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTxID, err)
	}
	return hash, nil
}

// ValidateAmount rejects amounts above MaxSatoshis.
func ValidateAmount(amount uint64) error {
	if amount > MaxSatoshis {
		return fmt.Errorf("%w: %d exceeds %d", ErrAmountOutOfRange, amount, MaxSatoshis)
	}
	return nil
}

// ParseAmount parses a non-negative decimal amount and enforces MaxSatoshis.
func ParseAmount(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrMalformedInput)
	}
	amount, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s", ErrAmountOutOfRange, trimmed)
		}
		return 0, fmt.Errorf("%w: amount %q", ErrMalformedInput, trimmed)
	}
	if err := ValidateAmount(amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// DecodeAuxPayload validates and decodes an auxiliary payload; an empty string means no payload.
func DecodeAuxPayload(payloadHex string) ([]byte, error) {
	trimmed := strings.TrimSpace(payloadHex)
	if trimmed == "" {
		return nil, nil
	}
	if len(trimmed) > MaxAuxPayloadHexLength {
		return nil, fmt.Errorf("%w: %d characters exceeds %d", ErrPayloadTooLarge, len(trimmed), MaxAuxPayloadHexLength)
	}
	payload, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}

// buildMarkerScript emits OP_RETURN, a single length byte and the raw payload.
func buildMarkerScript(payload []byte) []byte {
	script := make([]byte, 0, len(payload)+2)
	script = append(script, txscript.OP_RETURN, byte(len(payload)))
	return append(script, payload...)
}

// SigningDigest returns the double-SHA256 of the legacy SIGHASH_ALL pre-image.
func SigningDigest(tx *UnsignedTransaction) [32]byte {
	return chainhash.DoubleHashH(tx.SigningPreimage())
}

// SigningPreimage serializes the transaction without witness data and appends the
// four-byte little-endian SIGHASH_ALL type.
func (tx *UnsignedTransaction) SigningPreimage() []byte {
	var buf bytes.Buffer
	buf.Grow(tx.msg.SerializeSizeStripped() + 4)
	if err := tx.msg.SerializeNoWitness(&buf); err != nil {
		// bytes.Buffer writes do not fail.
		panic(err)
	}
	var hashType [4]byte
	binary.LittleEndian.PutUint32(hashType[:], uint32(txscript.SigHashAll))
	buf.Write(hashType[:])
	return buf.Bytes()
}

// FinalizeSigned substitutes <sig||SIGHASH_ALL> <pubkey> into a copy of the input and
// returns the canonical wire bytes of the signed transaction.
func FinalizeSigned(tx *UnsignedTransaction, signature *ecdsa.Signature, funderPublicKey []byte) ([]byte, error) {
	if signature == nil {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedSignature)
	}
	if len(funderPublicKey) != 33 && len(funderPublicKey) != 65 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(funderPublicKey))
	}
	der := signature.Serialize()
	sigWithHashType := make([]byte, 0, len(der)+1)
	sigWithHashType = append(sigWithHashType, der...)
	sigWithHashType = append(sigWithHashType, byte(txscript.SigHashAll))

	scriptSig, err := txscript.NewScriptBuilder().
		AddData(sigWithHashType).
		AddData(funderPublicKey).
		Script()
	if err != nil {
		return nil, err
	}

	signed := tx.msg.Copy()
	signed.TxIn[0].SignatureScript = scriptSig

	var buf bytes.Buffer
	buf.Grow(signed.SerializeSize())
	if err := signed.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MsgTx returns a deep copy of the underlying wire transaction.
func (tx *UnsignedTransaction) MsgTx() *wire.MsgTx {
	return tx.msg.Copy()
}

// FunderScript returns the funder P2PKH script used as the input placeholder and change script.
func (tx *UnsignedTransaction) FunderScript() []byte {
	return append([]byte(nil), tx.funderScript...)
}
