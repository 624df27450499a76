// Package trade implements the trade-lifecycle core: the active-trade
// index, the single-writer TradeManagementService, the exit condition
// evaluator, and entry/exit order execution.
package trade

import "sync"

// ActiveTradeIndex is a concurrent {symbol -> set(tradeId)} index with its
// reverse {tradeId -> symbol} map, used by exit monitoring to find every
// open trade for a symbol in O(1) without scanning the trade store.
type ActiveTradeIndex struct {
	mu            sync.RWMutex
	bySymbol      map[string]map[string]struct{}
	symbolByTrade map[string]string
}

// NewActiveTradeIndex constructs an empty ActiveTradeIndex.
func NewActiveTradeIndex() *ActiveTradeIndex {
	return &ActiveTradeIndex{
		bySymbol:      make(map[string]map[string]struct{}),
		symbolByTrade: make(map[string]string),
	}
}

// Rebuild clears the index and repopulates it from openTrades (tradeID ->
// symbol pairs), used at startup after reading every OPEN trade row.
func (idx *ActiveTradeIndex) Rebuild(openTrades map[string]string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.bySymbol = make(map[string]map[string]struct{}, len(openTrades))
	idx.symbolByTrade = make(map[string]string, len(openTrades))
	for tradeID, symbol := range openTrades {
		idx.addLocked(tradeID, symbol)
	}
}

func (idx *ActiveTradeIndex) addLocked(tradeID, symbol string) {
	set, ok := idx.bySymbol[symbol]
	if !ok {
		set = make(map[string]struct{})
		idx.bySymbol[symbol] = set
	}
	set[tradeID] = struct{}{}
	idx.symbolByTrade[tradeID] = symbol
}

// AddTrade registers tradeID as open for symbol.
func (idx *ActiveTradeIndex) AddTrade(tradeID, symbol string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.addLocked(tradeID, symbol)
}

// RemoveTrade removes tradeID from the index, dropping the symbol bucket if
// it becomes empty.
func (idx *ActiveTradeIndex) RemoveTrade(tradeID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	symbol, ok := idx.symbolByTrade[tradeID]
	if !ok {
		return
	}
	delete(idx.symbolByTrade, tradeID)
	if set, ok := idx.bySymbol[symbol]; ok {
		delete(set, tradeID)
		if len(set) == 0 {
			delete(idx.bySymbol, symbol)
		}
	}
}

// GetOpenTrades returns a snapshot copy of every tradeId currently open for
// symbol.
func (idx *ActiveTradeIndex) GetOpenTrades(symbol string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.bySymbol[symbol]
	out := make([]string, 0, len(set))
	for tradeID := range set {
		out = append(out, tradeID)
	}
	return out
}
