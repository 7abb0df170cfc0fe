// Package ledger holds the chain-level primitives shared by the client,
// decoder and fetcher: public-key addresses, transaction signatures and the
// transaction view the indexer consumes.
package ledger

import (
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// AddressLength is the size of an on-chain public key in bytes.
const AddressLength = 32

// Address is a 32-byte on-chain public key. Its text form is base58.
type Address [AddressLength]byte

// ParseAddress decodes a base58 public key.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != AddressLength {
		return a, fmt.Errorf("invalid address %q: expected %d bytes, got %d", s, AddressLength, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and fixtures. It panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes copies b into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLength {
		return a, fmt.Errorf("invalid address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether a is the all-zero key.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Signature is the base58 transaction signature, the idempotency key of the
// whole pipeline.
type Signature string

func (s Signature) String() string { return string(s) }

// SignatureInfo is one entry of a signatures-for-address listing.
type SignatureInfo struct {
	Signature Signature
	Slot      uint64
	BlockTime *time.Time
	// Failed is set when the transaction errored on chain.
	Failed bool
}

// Transaction is the subset of a confirmed transaction the indexer needs.
type Transaction struct {
	Signature   Signature `json:"signature"`
	Slot        uint64    `json:"slot"`
	BlockTime   time.Time `json:"block_time"`
	Failed      bool      `json:"failed"`
	LogMessages []string  `json:"log_messages"`
}
