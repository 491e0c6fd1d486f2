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
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
)

// filter is the compiled form of a request address and key filter
type filter struct {
	address *felt.Felt
	keys    []mapset.Set[felt.Felt]
}

func newFilter(address *felt.Felt, keys [][]felt.Felt) filter {
	ret := filter{address: address}
	for _, list := range keys {
		// An empty set at a position matches any key
		ret.keys = append(ret.keys, mapset.NewThreadUnsafeSet(list...))
	}
	return ret
}

func (f filter) match(evt *ledger.Event) bool {
	if f.address != nil && *f.address != evt.FromAddress {
		return false
	}
	// Every constrained position must exist on the event
	if len(evt.Keys) < len(f.keys) {
		return false
	}
	for i, set := range f.keys {
		if set.Cardinality() > 0 && !set.Contains(evt.Keys[i]) {
			return false
		}
	}
	return true
}
