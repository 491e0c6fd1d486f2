// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package felt implements the Starknet field element.
package felt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/stark-curve/fp"
	"golang.org/x/crypto/sha3"
)

// Bytes is the size of a serialized felt
const Bytes = fp.Bytes

var (
	ErrInvalidHex    = errors.New("invalid felt hex string")
	ErrFeltOverflow  = errors.New("value exceeds felt modulus")
	ErrInvalidLength = errors.New("invalid felt byte length")
)

// Felt is an element of the Stark prime field. The zero value is 0 and
// values are comparable, so a Felt can be used as a map key
type Felt struct {
	val fp.Element
}

var Zero = Felt{}

func FromUint64(v uint64) Felt {
	var f Felt
	f.val.SetUint64(v)
	return f
}

// FromBytes interprets b as a big-endian integer reduced by the field modulus
func FromBytes(b []byte) Felt {
	var f Felt
	f.val.SetBytes(b)
	return f
}

// FromCanonicalBytes is like FromBytes but rejects inputs that are not
// exactly 32 bytes or that exceed the field modulus
func FromCanonicalBytes(b []byte) (Felt, error) {
	if len(b) != Bytes {
		return Felt{}, ErrInvalidLength
	}
	tmp := new(big.Int).SetBytes(b)
	if tmp.Cmp(fp.Modulus()) >= 0 {
		return Felt{}, ErrFeltOverflow
	}
	var f Felt
	f.val.SetBigInt(tmp)
	return f, nil
}

// FromHex parses a hex string, with or without a 0x prefix
func FromHex(s string) (Felt, error) {
	hexStr := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if hexStr == "" || len(hexStr) > 2*Bytes {
		return Felt{}, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}
	tmp, ok := new(big.Int).SetString(hexStr, 16)
	if !ok {
		return Felt{}, fmt.Errorf("%w: %q", ErrInvalidHex, s)
	}
	if tmp.Cmp(fp.Modulus()) >= 0 {
		return Felt{}, ErrFeltOverflow
	}
	var f Felt
	f.val.SetBigInt(tmp)
	return f, nil
}

// MustHex is FromHex for constants. It panics on invalid input
func MustHex(s string) Felt {
	f, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Bytes returns the big-endian representation
func (f Felt) Bytes() [Bytes]byte {
	return f.val.Bytes()
}

func (f Felt) BigInt() *big.Int {
	return f.val.BigInt(new(big.Int))
}

// Uint64 returns the value as a uint64 and whether it fits
func (f Felt) Uint64() (uint64, bool) {
	b := f.BigInt()
	if !b.IsUint64() {
		return 0, false
	}
	return b.Uint64(), true
}

// Cmp compares the integer values of f and other
func (f Felt) Cmp(other Felt) int {
	return f.BigInt().Cmp(other.BigInt())
}

func (f Felt) IsZero() bool {
	return f.val.IsZero()
}

func (f Felt) Equal(other Felt) bool {
	return f.val.Equal(&other.val)
}

// String returns the value as 0x-prefixed lower-case hex without leading zeros
func (f Felt) String() string {
	return "0x" + f.BigInt().Text(16)
}

func (f Felt) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Felt) UnmarshalText(text []byte) error {
	tmp, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*f = tmp
	return nil
}

func (f Felt) MarshalBinary() ([]byte, error) {
	b := f.Bytes()
	return b[:], nil
}

func (f *Felt) UnmarshalBinary(data []byte) error {
	tmp, err := FromCanonicalBytes(data)
	if err != nil {
		return err
	}
	*f = tmp
	return nil
}

func (f Felt) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *Felt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidHex, string(data))
	}
	return f.UnmarshalText([]byte(s))
}

// Keccak returns starknet_keccak of data: keccak256 truncated to 250 bits
func Keccak(data ...[]byte) Felt {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	sum := h.Sum(nil)
	sum[0] &= 0x03
	return FromBytes(sum)
}

// Selector returns the entry point or event selector for name
func Selector(name string) Felt {
	return Keccak([]byte(name))
}
