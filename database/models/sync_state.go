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

// SyncState stores key/value pairs describing sync progress
type SyncState struct {
	Key   string `gorm:"column:sync_key;primaryKey;size:255"`
	Value string `gorm:"type:text;not null"`
}

// TableName returns the table name for SyncState.
func (SyncState) TableName() string {
	return "sync_state"
}

const (
	// SyncStateStartingBlock holds the first ledger block mapped by the
	// current process
	SyncStateStartingBlock = "starting_block"
)
