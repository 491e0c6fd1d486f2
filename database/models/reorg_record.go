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

package models

import (
	"time"

	"github.com/blinklabs-io/starkview/database/types"
)

// ReorgRecord is an audit log entry for a canonical chain switch
type ReorgRecord struct {
	CreatedAt            time.Time
	OldTipHash           []byte `gorm:"size:32"`
	NewTipHash           []byte `gorm:"size:32"`
	ID                   uint   `gorm:"primaryKey"`
	CommonAncestorNumber types.Uint64
	NewTipNumber         types.Uint64
	Depth                uint64
}

func (ReorgRecord) TableName() string {
	return "reorg_record"
}
