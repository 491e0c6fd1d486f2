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


package badger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blinklabs-io/starkview/database/types"
)

// GetCommitTimestamp returns the last stamped commit time in milliseconds,
// or 0 for a fresh store
func (s *Store) GetCommitTimestamp() (int64, error) {
	txn := s.NewTransaction(false)
	defer txn.Rollback() //nolint:errcheck
	val, err := s.Get(txn, []byte(types.CommitTimestampKey))
	if errors.Is(err, types.ErrBlobKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("malformed commit timestamp of %d bytes", len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil // #nosec G115
}

func (s *Store) SetCommitTimestamp(timestamp int64, txn types.Txn) error {
	return s.Set(
		txn,
		[]byte(types.CommitTimestampKey),
		types.Uint64ToBytes(uint64(timestamp)), // #nosec G115
	)
}
