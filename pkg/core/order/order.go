// Package order defines the immutable order value object and its
// deterministic hash. The hash doubles as the message makers sign and as
// the replay-protection key in the settlement engine.
package order

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	vcrypto "github.com/minjekim/veriswap/pkg/crypto"
)

// Fixed byte widths of the canonical encoding, in field declaration order.
const (
	addrLen    = 20
	uint256Len = 32
	expiryLen  = 8

	// EncodedLen = maker + tokenIn + tokenOut + amountIn + amountOut + expiry + salt
	EncodedLen = 3*addrLen + 2*uint256Len + expiryLen + uint256Len
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Order is created off-ledger by the maker's wallet and never mutated.
// AmountIn is what the maker gives up (from escrow), AmountOut is what the
// maker receives from the taker. Salt guarantees hash uniqueness for
// otherwise-identical orders.
type Order struct {
	Maker     common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *big.Int
	AmountOut *big.Int
	Expiry    uint64 // unix seconds
	Salt      *big.Int
}

// Validate checks that the order is encodable: amounts and salt present,
// non-negative and within uint256 range.
func (o *Order) Validate() error {
	for name, v := range map[string]*big.Int{
		"amountIn":  o.AmountIn,
		"amountOut": o.AmountOut,
		"salt":      o.Salt,
	} {
		if v == nil {
			return fmt.Errorf("order %s is nil", name)
		}
		if v.Sign() < 0 {
			return fmt.Errorf("order %s is negative", name)
		}
		if v.Cmp(maxUint256) > 0 {
			return fmt.Errorf("order %s exceeds uint256", name)
		}
	}
	return nil
}

// Encode produces the canonical fixed-width encoding:
// maker(20) || tokenIn(20) || tokenOut(20) || amountIn(32) || amountOut(32)
// || expiry(8, big-endian) || salt(32). No variable-length fields, so two
// distinct orders can never share an encoding.
func (o *Order) Encode() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, EncodedLen)
	buf = append(buf, o.Maker.Bytes()...)
	buf = append(buf, o.TokenIn.Bytes()...)
	buf = append(buf, o.TokenOut.Bytes()...)
	buf = append(buf, common.LeftPadBytes(o.AmountIn.Bytes(), uint256Len)...)
	buf = append(buf, common.LeftPadBytes(o.AmountOut.Bytes(), uint256Len)...)
	buf = binary.BigEndian.AppendUint64(buf, o.Expiry)
	buf = append(buf, common.LeftPadBytes(o.Salt.Bytes(), uint256Len)...)
	return buf, nil
}

// Hash returns the keccak256 digest of the canonical encoding.
// Pure: equal orders always hash equal, and any field change yields a
// different hash with overwhelming probability.
func (o *Order) Hash() (common.Hash, error) {
	encoded, err := o.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// ExpiredAt reports whether the order can no longer be filled at now.
func (o *Order) ExpiredAt(now time.Time) bool {
	return now.Unix() > int64(o.Expiry)
}

// Signed pairs an order with the maker's 65-byte signature over its hash.
// This is the wire format of the order feed.
type Signed struct {
	Order     Order         `json:"order"`
	Signature hexutil.Bytes `json:"signature"`
}

// Hash is a convenience passthrough; the hash is also the feed's stable
// identifier for the order.
func (s *Signed) Hash() (common.Hash, error) {
	return s.Order.Hash()
}

// Sign hashes the order and signs it with the maker's key.
func Sign(o Order, signer *vcrypto.Signer) (Signed, error) {
	h, err := o.Hash()
	if err != nil {
		return Signed{}, err
	}
	sig, err := signer.Sign(h.Bytes())
	if err != nil {
		return Signed{}, err
	}
	return Signed{Order: o, Signature: sig}, nil
}

// orderJSON keeps amounts as decimal strings on the wire; JSON numbers
// cannot carry uint256 values.
type orderJSON struct {
	Maker     common.Address `json:"maker"`
	TokenIn   common.Address `json:"tokenIn"`
	TokenOut  common.Address `json:"tokenOut"`
	AmountIn  string         `json:"amountIn"`
	AmountOut string         `json:"amountOut"`
	Expiry    uint64         `json:"expiry"`
	Salt      string         `json:"salt"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(orderJSON{
		Maker:     o.Maker,
		TokenIn:   o.TokenIn,
		TokenOut:  o.TokenOut,
		AmountIn:  o.AmountIn.String(),
		AmountOut: o.AmountOut.String(),
		Expiry:    o.Expiry,
		Salt:      o.Salt.String(),
	})
}

func (o *Order) UnmarshalJSON(data []byte) error {
	var raw orderJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	amountIn, ok := new(big.Int).SetString(raw.AmountIn, 10)
	if !ok {
		return fmt.Errorf("invalid amountIn: %q", raw.AmountIn)
	}
	amountOut, ok := new(big.Int).SetString(raw.AmountOut, 10)
	if !ok {
		return fmt.Errorf("invalid amountOut: %q", raw.AmountOut)
	}
	salt, ok := new(big.Int).SetString(raw.Salt, 10)
	if !ok {
		return fmt.Errorf("invalid salt: %q", raw.Salt)
	}

	o.Maker = raw.Maker
	o.TokenIn = raw.TokenIn
	o.TokenOut = raw.TokenOut
	o.AmountIn = amountIn
	o.AmountOut = amountOut
	o.Expiry = raw.Expiry
	o.Salt = salt
	return o.Validate()
}
