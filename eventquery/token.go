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

package eventquery

import (
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidContinuationToken = errors.New(
	"the supplied continuation token is invalid or unknown",
)

// Position addresses one event inside a queried range. BlockOffset is
// relative to the range start
type Position struct {
	BlockOffset uint64
	TxIndex     uint32
	EventIndex  uint32
}

// String encodes the position as a continuation token
func (p Position) String() string {
	return strconv.FormatUint(p.BlockOffset, 10) + "," +
		strconv.FormatUint(uint64(p.TxIndex), 10) + "," +
		strconv.FormatUint(uint64(p.EventIndex), 10)
}

// ParseToken decodes a continuation token of three comma-separated decimal
// integers
func ParseToken(token string) (Position, error) {
	parts := strings.Split(token, ",")
	if len(parts) != 3 {
		return Position{}, ErrInvalidContinuationToken
	}
	var vals [3]uint64
	for i, part := range parts {
		// ParseUint accepts a leading '+', which a token never has
		if part == "" || part[0] < '0' || part[0] > '9' {
			return Position{}, ErrInvalidContinuationToken
		}
		bits := 32
		if i == 0 {
			bits = 64
		}
		val, err := strconv.ParseUint(part, 10, bits)
		if err != nil {
			return Position{}, ErrInvalidContinuationToken
		}
		vals[i] = val
	}
	return Position{
		BlockOffset: vals[0],
		TxIndex:     uint32(vals[1]), // #nosec G115
		EventIndex:  uint32(vals[2]), // #nosec G115
	}, nil
}
