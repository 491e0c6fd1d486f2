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

// Package mempool holds submitted ledger transactions until they are
// included in a block. Transactions are queued per sender by nonce
package mempool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blinklabs-io/starkview/event"
	"github.com/blinklabs-io/starkview/felt"
	"github.com/blinklabs-io/starkview/ledger"
	"github.com/blinklabs-io/starkview/mappingsync"
)

const (
	AddTransactionEventType    event.EventType = "mempool.add_tx"
	RemoveTransactionEventType event.EventType = "mempool.remove_tx"

	DefaultMempoolCapacity = 4096
	DefaultIncludedTTL     = 10 * time.Minute
)

var (
	ErrTransactionIncluded = errors.New("transaction already included in a block")
	ErrNonceInUse          = errors.New("another pool transaction uses this nonce")
	ErrMissingHash         = errors.New("transaction has no hash")
	ErrValidationFailed    = errors.New("transaction validation failed")
)

type AddTransactionEvent struct {
	Hash  felt.Felt
	Type  ledger.TxType
	Queue ledger.Queue
}

type RemoveTransactionEvent struct {
	Hash     felt.Felt
	Included bool
}

type MempoolTransaction struct {
	LastSeen    time.Time
	Transaction ledger.Transaction
	Nonce       uint64
	Queue       ledger.Queue
}

// TxValidator checks a transaction before it enters the pool
type TxValidator interface {
	ValidateTx(tx *ledger.Transaction) error
}

// NonceReader returns the on-chain nonce of a contract at the latest block.
// An unknown contract has nonce 0
type NonceReader interface {
	LatestNonce(ctx context.Context, contract felt.Felt) (felt.Felt, error)
}

type MempoolConfig struct {
	PromRegistry    prometheus.Registerer
	Validator       TxValidator
	NonceReader     NonceReader
	Logger          *slog.Logger
	EventBus        *event.EventBus
	MempoolCapacity int
	IncludedTTL     time.Duration
}

type Mempool struct {
	config  MempoolConfig
	metrics struct {
		txsProcessedNum prometheus.Counter
		readyTxs        prometheus.Gauge
		futureTxs       prometheus.Gauge
	}
	logger   *slog.Logger
	eventBus *event.EventBus
	included *ttlcache.Cache[felt.Felt, struct{}]
	byHash   map[felt.Felt]*MempoolTransaction
	// ready holds transactions in the order they became ready
	ready []*MempoolTransaction
	// future holds transactions in acceptance order
	future      []*MempoolTransaction
	mappedSubId event.EventSubscriberId
	doneCh      chan struct{}
	stopOnce    sync.Once
	sync.RWMutex
}

type MempoolFullError struct {
	Count    int
	Capacity int
}

func (e *MempoolFullError) Error() string {
	return fmt.Sprintf(
		"mempool full: current count=%d, capacity=%d",
		e.Count,
		e.Capacity,
	)
}

type InvalidNonceError struct {
	Sender   felt.Felt
	Nonce    felt.Felt
	Expected uint64
}

func (e *InvalidNonceError) Error() string {
	return fmt.Sprintf(
		"invalid nonce %s for sender %s: expected at least %d",
		e.Nonce,
		e.Sender,
		e.Expected,
	)
}

type defaultValidator struct{}

func (defaultValidator) ValidateTx(tx *ledger.Transaction) error {
	return tx.Validate()
}

func NewMempool(config MempoolConfig) *Mempool {
	if config.MempoolCapacity <= 0 {
		config.MempoolCapacity = DefaultMempoolCapacity
	}
	if config.IncludedTTL <= 0 {
		config.IncludedTTL = DefaultIncludedTTL
	}
	if config.Validator == nil {
		config.Validator = defaultValidator{}
	}
	m := &Mempool{
		eventBus: config.EventBus,
		config:   config,
		byHash:   make(map[felt.Felt]*MempoolTransaction),
		doneCh:   make(chan struct{}),
		included: ttlcache.New[felt.Felt, struct{}](
			ttlcache.WithTTL[felt.Felt, struct{}](config.IncludedTTL),
			ttlcache.WithDisableTouchOnHit[felt.Felt, struct{}](),
		),
	}
	if config.Logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		m.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	} else {
		m.logger = config.Logger
	}
	m.logger = m.logger.With("component", "mempool")
	// Init metrics
	promautoFactory := promauto.With(config.PromRegistry)
	m.metrics.txsProcessedNum = promautoFactory.NewCounter(
		prometheus.CounterOpts{
			Name: "starkview_mempool_transactions_processed_total",
			Help: "total transactions accepted into the mempool",
		},
	)
	m.metrics.readyTxs = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "starkview_mempool_ready_transactions",
		Help: "current count of ready mempool transactions",
	})
	m.metrics.futureTxs = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "starkview_mempool_future_transactions",
		Help: "current count of future mempool transactions",
	})
	// Subscribe to mapped blocks to drop included transactions
	if m.eventBus != nil {
		subId, mappedCh := m.eventBus.Subscribe(mappingsync.BlockMappedEventType)
		m.mappedSubId = subId
		go m.processMappedBlocks(mappedCh)
	} else {
		close(m.doneCh)
	}
	return m
}

// Stop unsubscribes from block events and waits for the event loop to exit
func (m *Mempool) Stop() {
	m.stopOnce.Do(func() {
		if m.eventBus != nil {
			m.eventBus.Unsubscribe(mappingsync.BlockMappedEventType, m.mappedSubId)
		}
		<-m.doneCh
	})
}

func (m *Mempool) processMappedBlocks(mappedCh <-chan event.Event) {
	defer close(m.doneCh)
	for evt := range mappedCh {
		mapped, ok := evt.Data.(mappingsync.BlockMappedEvent)
		if !ok {
			continue
		}
		if err := m.OnBlockMapped(context.Background(), mapped); err != nil {
			m.logger.Error(
				"failed to update mempool for mapped block",
				"ledger_number", mapped.Entry.LedgerNumber,
				"error", err,
			)
		}
	}
}

func (m *Mempool) latestNonce(ctx context.Context, sender felt.Felt) (uint64, error) {
	if m.config.NonceReader == nil {
		return 0, nil
	}
	nonce, err := m.config.NonceReader.LatestNonce(ctx, sender)
	if err != nil {
		return 0, fmt.Errorf("read nonce for %s: %w", sender, err)
	}
	ret, ok := nonce.Uint64()
	if !ok {
		return 0, fmt.Errorf("on-chain nonce %s for %s out of range", nonce, sender)
	}
	return ret, nil
}

// AddTransaction validates tx and queues it as ready or future depending on
// its nonce. Adding a transaction already in the pool is a no-op
func (m *Mempool) AddTransaction(ctx context.Context, tx ledger.Transaction) error {
	if tx.Hash.IsZero() {
		return ErrMissingHash
	}
	if err := m.config.Validator.ValidateTx(&tx); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	onChain, err := m.latestNonce(ctx, tx.SenderAddress)
	if err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	if existing, ok := m.byHash[tx.Hash]; ok {
		existing.LastSeen = time.Now()
		m.logger.Debug(
			"updated last seen for transaction",
			"tx_hash", tx.Hash.String(),
		)
		return nil
	}
	if m.included.Has(tx.Hash) {
		return ErrTransactionIncluded
	}
	// Enforce mempool capacity
	if count := len(m.byHash); count >= m.config.MempoolCapacity {
		return &MempoolFullError{
			Count:    count,
			Capacity: m.config.MempoolCapacity,
		}
	}
	expected := onChain + uint64(m.readyCount(tx.SenderAddress))
	nonce, ok := tx.Nonce.Uint64()
	if !ok || nonce < expected {
		return &InvalidNonceError{
			Sender:   tx.SenderAddress,
			Nonce:    tx.Nonce,
			Expected: expected,
		}
	}
	if m.futureByNonce(tx.SenderAddress, nonce) != nil {
		return ErrNonceInUse
	}
	poolTx := &MempoolTransaction{
		Transaction: tx,
		Nonce:       nonce,
		LastSeen:    time.Now(),
		Queue:       ledger.QueueFuture,
	}
	m.byHash[tx.Hash] = poolTx
	if nonce == expected {
		poolTx.Queue = ledger.QueueReady
		m.ready = append(m.ready, poolTx)
		m.promote(tx.SenderAddress, nonce+1)
	} else {
		m.future = append(m.future, poolTx)
	}
	m.logger.Debug(
		"added transaction",
		"tx_hash", tx.Hash.String(),
		"sender", tx.SenderAddress.String(),
		"nonce", nonce,
		"queue", poolTx.Queue.String(),
	)
	m.metrics.txsProcessedNum.Inc()
	m.updateMetrics()
	// Generate event
	if m.eventBus != nil {
		m.eventBus.Publish(
			AddTransactionEventType,
			event.NewEvent(
				AddTransactionEventType,
				AddTransactionEvent{
					Hash:  tx.Hash,
					Type:  tx.Type,
					Queue: poolTx.Queue,
				},
			),
		)
	}
	return nil
}

func (m *Mempool) readyCount(sender felt.Felt) int {
	ret := 0
	for _, tx := range m.ready {
		if tx.Transaction.SenderAddress == sender {
			ret++
		}
	}
	return ret
}

func (m *Mempool) futureByNonce(sender felt.Felt, nonce uint64) *MempoolTransaction {
	for _, tx := range m.future {
		if tx.Transaction.SenderAddress == sender && tx.Nonce == nonce {
			return tx
		}
	}
	return nil
}

// promote moves the sender's future transactions starting at nonce into the
// ready queue for as long as their nonces are consecutive
func (m *Mempool) promote(sender felt.Felt, nonce uint64) {
	for {
		tx := m.futureByNonce(sender, nonce)
		if tx == nil {
			return
		}
		m.future = slices.DeleteFunc(m.future, func(t *MempoolTransaction) bool {
			return t == tx
		})
		tx.Queue = ledger.QueueReady
		m.ready = append(m.ready, tx)
		nonce++
	}
}

func (m *Mempool) updateMetrics() {
	m.metrics.readyTxs.Set(float64(len(m.ready)))
	m.metrics.futureTxs.Set(float64(len(m.future)))
}

// OnBlockMapped removes the transactions included in a mapped block and
// re-evaluates the remaining transactions of every affected sender against
// their new on-chain nonces
func (m *Mempool) OnBlockMapped(ctx context.Context, evt mappingsync.BlockMappedEvent) error {
	m.Lock()
	for _, hash := range evt.TransactionHashes {
		m.included.Set(hash, struct{}{}, ttlcache.DefaultTTL)
		m.removeTransaction(hash, true)
	}
	m.included.DeleteExpired()
	senders := m.senders()
	m.Unlock()

	// Nonces are read without holding the pool lock
	nonces := make(map[felt.Felt]uint64, len(senders))
	var errs []error
	for _, sender := range senders {
		nonce, err := m.latestNonce(ctx, sender)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nonces[sender] = nonce
	}

	m.Lock()
	defer m.Unlock()
	for _, sender := range senders {
		nonce, ok := nonces[sender]
		if !ok {
			continue
		}
		m.reevaluate(sender, nonce)
	}
	m.updateMetrics()
	return errors.Join(errs...)
}

func (m *Mempool) senders() []felt.Felt {
	seen := make(map[felt.Felt]bool)
	var ret []felt.Felt
	for _, queue := range [][]*MempoolTransaction{m.ready, m.future} {
		for _, tx := range queue {
			sender := tx.Transaction.SenderAddress
			if !seen[sender] {
				seen[sender] = true
				ret = append(ret, sender)
			}
		}
	}
	return ret
}

// reevaluate drops the sender's transactions made stale by the on-chain
// nonce and rebuilds its ready prefix
func (m *Mempool) reevaluate(sender felt.Felt, onChain uint64) {
	var txs []*MempoolTransaction
	for _, queue := range [][]*MempoolTransaction{m.ready, m.future} {
		for _, tx := range queue {
			if tx.Transaction.SenderAddress == sender {
				txs = append(txs, tx)
			}
		}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Nonce < txs[j].Nonce })
	expected := onChain
	var promoted []*MempoolTransaction
	for _, tx := range txs {
		switch {
		case tx.Nonce < expected:
			m.removeTransaction(tx.Transaction.Hash, false)
			m.logger.Debug(
				"removed transaction with stale nonce",
				"tx_hash", tx.Transaction.Hash.String(),
				"nonce", tx.Nonce,
				"on_chain_nonce", onChain,
			)
		case tx.Nonce == expected:
			if tx.Queue == ledger.QueueFuture {
				promoted = append(promoted, tx)
			}
			expected++
		default:
			if tx.Queue == ledger.QueueReady {
				// A gap opened below this transaction
				m.ready = slices.DeleteFunc(m.ready, func(t *MempoolTransaction) bool {
					return t == tx
				})
				tx.Queue = ledger.QueueFuture
				m.future = append(m.future, tx)
			}
			// Everything after a gap stays future
			expected = ^uint64(0)
		}
	}
	for _, tx := range promoted {
		m.future = slices.DeleteFunc(m.future, func(t *MempoolTransaction) bool {
			return t == tx
		})
		tx.Queue = ledger.QueueReady
		m.ready = append(m.ready, tx)
	}
}

func (m *Mempool) GetTransaction(txHash felt.Felt) (MempoolTransaction, bool) {
	m.RLock()
	defer m.RUnlock()
	ret, ok := m.byHash[txHash]
	if !ok {
		return MempoolTransaction{}, false
	}
	return *ret, true
}

func snapshot(queue []*MempoolTransaction) []ledger.PoolTransaction {
	ret := make([]ledger.PoolTransaction, len(queue))
	for i, tx := range queue {
		ret[i] = ledger.PoolTransaction{
			Transaction: tx.Transaction,
			Queue:       tx.Queue,
		}
	}
	return ret
}

// ReadyQueue returns a copy of the ready queue in execution order
func (m *Mempool) ReadyQueue() []ledger.PoolTransaction {
	m.RLock()
	defer m.RUnlock()
	return snapshot(m.ready)
}

// FutureQueue returns a copy of the future queue in acceptance order
func (m *Mempool) FutureQueue() []ledger.PoolTransaction {
	m.RLock()
	defer m.RUnlock()
	return snapshot(m.future)
}

func (m *Mempool) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.byHash)
}

func (m *Mempool) RemoveTransaction(txHash felt.Felt) {
	m.Lock()
	defer m.Unlock()
	if m.removeTransaction(txHash, false) {
		m.logger.Debug(
			"removed transaction",
			"tx_hash", txHash.String(),
		)
		m.updateMetrics()
	}
}

func (m *Mempool) removeTransaction(txHash felt.Felt, included bool) bool {
	tx, ok := m.byHash[txHash]
	if !ok {
		return false
	}
	delete(m.byHash, txHash)
	match := func(t *MempoolTransaction) bool { return t == tx }
	m.ready = slices.DeleteFunc(m.ready, match)
	m.future = slices.DeleteFunc(m.future, match)
	// Generate event
	if m.eventBus != nil {
		m.eventBus.Publish(
			RemoveTransactionEventType,
			event.NewEvent(
				RemoveTransactionEventType,
				RemoveTransactionEvent{
					Hash:     txHash,
					Included: included,
				},
			),
		)
	}
	return true
}
