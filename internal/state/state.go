package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownSymbol   = errors.New("symbol not in ledger")
	ErrInvalidPosition = errors.New("invalid position")
)

// Position is the holding of one symbol. EntryPrice is meaningless when
// Qty is zero.
type Position struct {
	Qty        int             `json:"qty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

func (p Position) Flat() bool {
	return p.Qty == 0
}

// Holding is an externally reported position used to seed the ledger.
type Holding struct {
	Symbol     string
	Qty        int
	EntryPrice decimal.Decimal
}

// Ledger maps each configured symbol to its position. The symbol set is
// fixed at construction; entries are never added or removed afterwards.
type Ledger struct {
	mu        sync.RWMutex
	symbols   []string
	positions map[string]Position
}

func NewLedger(symbols []string) *Ledger {
	l := &Ledger{
		symbols:   make([]string, 0, len(symbols)),
		positions: make(map[string]Position, len(symbols)),
	}
	for _, symbol := range symbols {
		if _, ok := l.positions[symbol]; ok {
			continue
		}
		l.symbols = append(l.symbols, symbol)
		l.positions[symbol] = Position{}
	}
	return l
}

// Symbols returns the configured symbols in scan order.
func (l *Ledger) Symbols() []string {
	out := make([]string, len(l.symbols))
	copy(out, l.symbols)
	return out
}

func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	return pos, ok
}

func (l *Ledger) Snapshot() map[string]Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Position, len(l.positions))
	for k, v := range l.positions {
		out[k] = v
	}
	return out
}

func (l *Ledger) Open(symbol string, qty int, entry decimal.Decimal) error {
	if qty <= 0 || !entry.IsPositive() {
		return fmt.Errorf("%w: %s qty=%d entry=%s", ErrInvalidPosition, symbol, qty, entry)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.positions[symbol]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	l.positions[symbol] = Position{Qty: qty, EntryPrice: entry}
	return nil
}

func (l *Ledger) Close(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.positions[symbol]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	l.positions[symbol] = Position{}
	return nil
}

// Seed overrides configured entries with reported holdings and returns
// the symbols that were ignored because they are not configured.
// Non-positive quantities and holdings without an entry price leave the
// symbol flat.
func (l *Ledger) Seed(holdings []Holding) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ignored []string
	for _, h := range holdings {
		if _, ok := l.positions[h.Symbol]; !ok {
			ignored = append(ignored, h.Symbol)
			continue
		}
		if h.Qty <= 0 || !h.EntryPrice.IsPositive() {
			l.positions[h.Symbol] = Position{}
			continue
		}
		l.positions[h.Symbol] = Position{Qty: h.Qty, EntryPrice: h.EntryPrice}
	}
	return ignored
}
