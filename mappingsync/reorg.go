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

package mappingsync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/blinklabs-io/starkview/database"
	"github.com/blinklabs-io/starkview/database/models"
	"github.com/blinklabs-io/starkview/database/types"
	"github.com/blinklabs-io/starkview/event"
	"github.com/blinklabs-io/starkview/substrate"
)

// reorg makes blk canonical when its parent is not the canonical tip. It
// walks blk's ancestry back to the nearest canonical entry, retracts every
// canonical entry above that ancestor and inserts the unmapped ancestors
// and blk as one batch
func (w *Worker) reorg(
	ctx context.Context,
	blk *pendingBlock,
	tip *models.MappingEntry,
) error {
	w.setState(StateReorging)
	defer w.setState(StateFollowing)

	var ancestor *models.MappingEntry
	var branch []*pendingBlock
	cur := blk.substrate.ParentHash
	for !cur.IsZero() {
		entry, err := w.config.DB.MappingBySubstrateHash(cur, nil)
		if err != nil && !errors.Is(err, database.ErrMappingNotFound) {
			return err
		}
		if entry != nil && entry.IsCanonical {
			ancestor = entry
			break
		}
		parent, hdr, err := w.decodeBlock(ctx, cur)
		if err != nil {
			if errors.Is(err, substrate.ErrHeaderNotFound) {
				break
			}
			return err
		}
		if parent != nil {
			branch = append(branch, parent)
		}
		cur = hdr.ParentHash
	}

	// Retract canonical entries above the common ancestor, newest first
	var retract []substrate.Hash
	if tip != nil {
		floor := uint64(0)
		if ancestor != nil {
			floor = ancestor.LedgerNumber + 1
		}
		for n := tip.LedgerNumber; n >= floor; n-- {
			entry, err := w.config.DB.MappingCanonicalByNumber(n, nil)
			if err != nil && !errors.Is(err, database.ErrMappingNotFound) {
				return err
			}
			if entry != nil {
				if entry.Finalized {
					w.logger.Error(
						"refusing reorg across finalized block, skipping",
						"substrate_hash", blk.substrate.Hash.String(),
						"finalized_ledger_number", entry.LedgerNumber,
					)
					return w.config.DB.WatermarkAdvance(blk.substrate.Number, nil)
				}
				retract = append(retract, entry.SubstrateHash)
			}
			if n == 0 {
				break
			}
		}
	}

	slices.Reverse(branch)
	branch = append(branch, blk)
	batch := database.ReorgBatch{
		Retract:   retract,
		Watermark: blk.substrate.Number,
	}
	mapped := make([]mappedBlock, 0, len(branch))
	for _, b := range branch {
		entry := newEntry(b, true)
		rows, hashes := w.indexTransactions(ctx, b)
		batch.Insert = append(batch.Insert, entry)
		batch.Transactions = append(batch.Transactions, rows...)
		mapped = append(mapped, mappedBlock{entry: entry, header: b.ledger, hashes: hashes})
	}
	var reorgEvt *ReorgEvent
	if len(retract) > 0 {
		reorgEvt = &ReorgEvent{
			OldTip: tip.SubstrateHash,
			NewTip: blk.substrate.Hash,
			Depth:  uint64(len(retract)),
		}
		rec := &models.ReorgRecord{
			OldTipHash:   tip.SubstrateHash[:],
			NewTipHash:   blk.substrate.Hash[:],
			NewTipNumber: types.Uint64(blk.ledger.BlockNumber),
			Depth:        reorgEvt.Depth,
		}
		if ancestor != nil {
			reorgEvt.HasCommonAncestor = true
			reorgEvt.CommonAncestorNumber = ancestor.LedgerNumber
			rec.CommonAncestorNumber = types.Uint64(ancestor.LedgerNumber)
		}
		batch.Record = rec
	}
	if err := w.config.DB.MappingApplyReorg(batch); err != nil {
		return fmt.Errorf("apply reorg: %w", err)
	}
	if reorgEvt != nil {
		w.metrics.reorgs.Inc()
		w.logger.Info(
			"canonical chain reorganized",
			"depth", reorgEvt.Depth,
			"common_ancestor", reorgEvt.CommonAncestorNumber,
			"new_tip", reorgEvt.NewTip.String(),
		)
		if w.config.EventBus != nil {
			w.config.EventBus.Publish(
				ReorgEventType,
				event.NewEvent(ReorgEventType, *reorgEvt),
			)
		}
	}
	w.afterMapped(mapped)
	return nil
}
