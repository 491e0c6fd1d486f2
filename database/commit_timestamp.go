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

package database

import (
	"fmt"
)

type CommitTimestampError struct {
	MetadataTimestamp int64
	BlobTimestamp     int64
}

func (e CommitTimestampError) Error() string {
	return fmt.Sprintf(
		"commit timestamp mismatch: %d (metadata) != %d (blob)",
		e.MetadataTimestamp,
		e.BlobTimestamp,
	)
}

// checkCommitTimestamp compares the last commit recorded by each store.
// Blob commits first, so a blob store ahead of metadata means the metadata
// half of the last commit was lost. Metadata only carries derived indexes,
// so that case is repaired with a warning. Metadata ahead of blob cannot
// happen with ordered commits and is reported
func (d *Database) checkCommitTimestamp() error {
	metadataTimestamp, err := d.Metadata().GetCommitTimestamp()
	if err != nil {
		return fmt.Errorf(
			"failed to get metadata timestamp from plugin: %w",
			err,
		)
	}
	blobTimestamp, err := d.Blob().GetCommitTimestamp()
	if err != nil {
		return fmt.Errorf(
			"failed to get blob timestamp from plugin: %w",
			err,
		)
	}
	switch {
	case blobTimestamp == metadataTimestamp:
		return nil
	case metadataTimestamp > blobTimestamp:
		return CommitTimestampError{
			MetadataTimestamp: metadataTimestamp,
			BlobTimestamp:     blobTimestamp,
		}
	}
	d.logger.Warn(
		"metadata store is behind blob store, transaction index may be incomplete until rebuild",
		"component", "database",
		"metadata_timestamp", metadataTimestamp,
		"blob_timestamp", blobTimestamp,
	)
	return d.Metadata().SetCommitTimestamp(blobTimestamp, nil)
}

func (d *Database) updateCommitTimestamp(txn *Txn, timestamp int64) error {
	if err := d.Metadata().SetCommitTimestamp(timestamp, txn.Metadata()); err != nil {
		return err
	}
	if err := d.Blob().SetCommitTimestamp(timestamp, txn.Blob()); err != nil {
		return err
	}
	return nil
}
