// Package market owns the rolling price windows and the indicator cache.
// The broker transport's single stream consumer is the only writer; the
// strategy monitor reads bars and memoized indicator values without locks
// on the cache path.
package market

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/bus"
	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Config sizes the store.
type Config struct {
	// MinBars is the floor on finalized bars kept per (symbol, timeframe).
	// A series referenced by an indicator with a longer lookback grows to
	// fit it at subscription time.
	MinBars int
	// CacheMaxEntries caps the indicator cache; eviction is by last access.
	CacheMaxEntries int
}

// DefaultConfig returns the sizes from the design: 500-bar windows and a
// 100k-entry indicator cache.
func DefaultConfig() Config {
	return Config{
		MinBars:         500,
		CacheMaxEntries: 100_000,
	}
}

type seriesKey struct {
	symbol string
	tf     types.Timeframe
}

// series is a fixed-capacity ring of finalized bars plus the open bar.
type series struct {
	ring  []types.Bar
	head  int // index of oldest
	count int
	open  *types.Bar
}

func (s *series) push(bar types.Bar) {
	if s.count < len(s.ring) {
		s.ring[(s.head+s.count)%len(s.ring)] = bar
		s.count++
		return
	}
	// Full: overwrite oldest (tail-drop eviction).
	s.ring[s.head] = bar
	s.head = (s.head + 1) % len(s.ring)
}

func (s *series) last(n int) []types.Bar {
	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]types.Bar, n)
	start := s.count - n
	for i := 0; i < n; i++ {
		out[i] = s.ring[(s.head+start+i)%len(s.ring)]
	}
	return out
}

func (s *series) lastOpenTime() (time.Time, bool) {
	if s.count == 0 {
		return time.Time{}, false
	}
	return s.ring[(s.head+s.count-1)%len(s.ring)].OpenTime, true
}

type cacheKey struct {
	symbol   string
	tf       types.Timeframe
	name     string
	params   string
	lastOpen int64
}

type cacheEntry struct {
	value      float64
	lastAccess atomic.Int64
}

// Store ingests ticks, maintains per-(symbol, timeframe) rolling windows,
// and computes indicators lazily, memoized until the next bar close on the
// same series.
type Store struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *bus.Bus
	cfg     Config

	mu        sync.RWMutex
	series    map[seriesKey]*series
	lastTicks map[string]types.Tick

	cache      sync.Map // cacheKey -> *cacheEntry
	cacheCount atomic.Int64
}

// NewStore creates an empty store publishing bar closes on b.
func NewStore(logger *zap.Logger, m *metrics.Metrics, b *bus.Bus, cfg Config) *Store {
	if cfg.MinBars <= 0 {
		cfg.MinBars = 500
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = 100_000
	}
	return &Store{
		logger:    logger.Named("market"),
		metrics:   m,
		bus:       b,
		cfg:       cfg,
		series:    make(map[seriesKey]*series),
		lastTicks: make(map[string]types.Tick),
	}
}

// Subscribe ensures a rolling window exists for (symbol, tf) holding at
// least minBars finalized bars. Called by the strategy monitor when a
// strategy is loaded; idempotent, and growing an existing window keeps its
// bars.
func (st *Store) Subscribe(symbol string, tf types.Timeframe, minBars int) {
	capacity := st.cfg.MinBars
	if minBars > capacity {
		capacity = minBars
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	key := seriesKey{symbol: symbol, tf: tf}
	existing, ok := st.series[key]
	if !ok {
		st.series[key] = &series{ring: make([]types.Bar, capacity)}
		return
	}
	if capacity > len(existing.ring) {
		grown := &series{ring: make([]types.Bar, capacity), open: existing.open}
		for _, bar := range existing.last(existing.count) {
			grown.push(bar)
		}
		grown.count = existing.count
		st.series[key] = grown
	}
}

// OnTick folds a tick into every subscribed timeframe of its symbol,
// finalizing bars whose boundary the tick crossed. Must be called from a
// single goroutine (the broker stream consumer).
func (st *Store) OnTick(tick types.Tick) {
	price := tick.Bid

	st.mu.Lock()
	st.lastTicks[tick.Symbol] = tick
	var closedBars []types.Bar
	for key, s := range st.series {
		if key.symbol != tick.Symbol {
			continue
		}
		closedBars = append(closedBars, st.applyTick(key, s, tick, price)...)
	}
	st.mu.Unlock()

	// Invalidate and publish outside the store lock but in arrival order:
	// strategies must never observe a new bar before the prior bar's
	// cached indicator values are gone.
	for _, bar := range closedBars {
		st.invalidate(bar.Symbol, bar.Timeframe)
		st.metrics.BarsFinalized.Inc()
		st.bus.PublishBarClose(bar)
	}
}

// applyTick updates one series and returns any bars it finalized, oldest
// first. Caller holds the write lock.
func (st *Store) applyTick(key seriesKey, s *series, tick types.Tick, price decimal.Decimal) []types.Bar {
	boundary := key.tf.Truncate(tick.Timestamp)
	dur := key.tf.Duration()

	if s.open == nil {
		s.open = newOpenBar(key, boundary, price)
		return nil
	}

	if !boundary.After(s.open.OpenTime) {
		updateOpenBar(s.open, price)
		return nil
	}

	// Tick crossed at least one boundary: finalize the open bar, then
	// synthesize flat bars for any skipped intervals.
	var closed []types.Bar
	final := *s.open
	closed = append(closed, final)
	lastClose := final.Close

	for t := final.OpenTime.Add(dur); t.Before(boundary); t = t.Add(dur) {
		closed = append(closed, types.Bar{
			Symbol:    key.symbol,
			Timeframe: key.tf,
			OpenTime:  t,
			Open:      lastClose,
			High:      lastClose,
			Low:       lastClose,
			Close:     lastClose,
		})
	}
	for _, bar := range closed {
		s.push(bar)
	}
	s.open = newOpenBar(key, boundary, price)
	return closed
}

func newOpenBar(key seriesKey, openTime time.Time, price decimal.Decimal) *types.Bar {
	return &types.Bar{
		Symbol:    key.symbol,
		Timeframe: key.tf,
		OpenTime:  openTime,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    decimal.NewFromInt(1),
	}
}

func updateOpenBar(bar *types.Bar, price decimal.Decimal) {
	if price.GreaterThan(bar.High) {
		bar.High = price
	}
	if price.LessThan(bar.Low) {
		bar.Low = price
	}
	bar.Close = price
	bar.Volume = bar.Volume.Add(decimal.NewFromInt(1))
}

// ApplyServerBar finalizes a bridge-authored bar (barClose stream frame),
// overriding whatever the tick aggregator had for that interval.
func (st *Store) ApplyServerBar(bar types.Bar) {
	key := seriesKey{symbol: bar.Symbol, tf: bar.Timeframe}

	st.mu.Lock()
	s, ok := st.series[key]
	if !ok {
		st.mu.Unlock()
		return
	}
	if last, ok := s.lastOpenTime(); ok && !bar.OpenTime.After(last) {
		// Already finalized this interval from ticks; keep the first.
		st.mu.Unlock()
		return
	}
	s.push(bar)
	if s.open != nil && !s.open.OpenTime.After(bar.OpenTime) {
		s.open = nil
	}
	st.mu.Unlock()

	st.invalidate(bar.Symbol, bar.Timeframe)
	st.metrics.BarsFinalized.Inc()
	st.bus.PublishBarClose(bar)
}

// Bars returns the last n finalized bars for (symbol, tf), oldest first.
func (st *Store) Bars(symbol string, tf types.Timeframe, n int) []types.Bar {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.series[seriesKey{symbol: symbol, tf: tf}]
	if !ok {
		return nil
	}
	return s.last(n)
}

// BarCount returns the number of finalized bars held for (symbol, tf).
func (st *Store) BarCount(symbol string, tf types.Timeframe) int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.series[seriesKey{symbol: symbol, tf: tf}]
	if !ok {
		return 0
	}
	return s.count
}

// LastTick returns the most recent tick seen for symbol.
func (st *Store) LastTick(symbol string) (types.Tick, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	t, ok := st.lastTicks[symbol]
	return t, ok
}

// Returns computes simple close-to-close returns over the last n+1
// finalized bars, oldest first. Used by the safety validator's
// correlation check.
func (st *Store) Returns(symbol string, tf types.Timeframe, n int) []float64 {
	bars := st.Bars(symbol, tf, n+1)
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev, _ := bars[i-1].Close.Float64()
		cur, _ := bars[i].Close.Float64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, cur/prev-1)
	}
	return out
}

// Value computes (or returns the memoized) indicator value for the series'
// current window. ok is false when the indicator is unknown or history is
// insufficient. The cached value stays valid until the next bar close on
// (symbol, tf).
func (st *Store) Value(symbol string, tf types.Timeframe, name string, params map[string]float64) (float64, bool) {
	// Names match case-insensitively, the same normalization KnownIndicator
	// applies when a definition is validated. The canonical form also keys
	// the cache so "rsi" and "RSI" share an entry.
	name = strings.ToUpper(name)
	fn, ok := indicatorRegistry[name]
	if !ok {
		return 0, false
	}

	st.mu.RLock()
	s, ok := st.series[seriesKey{symbol: symbol, tf: tf}]
	if !ok || s.count == 0 {
		st.mu.RUnlock()
		return 0, false
	}
	lastOpen, _ := s.lastOpenTime()
	key := cacheKey{
		symbol:   symbol,
		tf:       tf,
		name:     name,
		params:   paramsKey(params),
		lastOpen: lastOpen.UnixNano(),
	}
	if v, hit := st.cache.Load(key); hit {
		st.mu.RUnlock()
		entry := v.(*cacheEntry)
		entry.lastAccess.Store(time.Now().UnixNano())
		return entry.value, true
	}
	window := s.last(s.count)
	st.mu.RUnlock()

	value, ok := fn(window, params)
	if !ok {
		return 0, false
	}

	entry := &cacheEntry{value: value}
	entry.lastAccess.Store(time.Now().UnixNano())
	if _, loaded := st.cache.LoadOrStore(key, entry); !loaded {
		if st.cacheCount.Add(1) > int64(st.cfg.CacheMaxEntries) {
			st.evict()
		}
		st.metrics.IndicatorEntries.Set(float64(st.cacheCount.Load()))
	}
	return value, true
}

// invalidate drops every cached value for (symbol, tf). All live entries
// for a series are keyed to its previous last bar, so a bar close clears
// them in one sweep; other series are untouched.
func (st *Store) invalidate(symbol string, tf types.Timeframe) {
	st.cache.Range(func(k, _ any) bool {
		key := k.(cacheKey)
		if key.symbol == symbol && key.tf == tf {
			if _, loaded := st.cache.LoadAndDelete(k); loaded {
				st.cacheCount.Add(-1)
			}
		}
		return true
	})
	st.metrics.IndicatorEntries.Set(float64(st.cacheCount.Load()))
}

// evict removes the least recently accessed tenth of the cache.
func (st *Store) evict() {
	type aged struct {
		key    cacheKey
		access int64
	}
	var entries []aged
	st.cache.Range(func(k, v any) bool {
		entries = append(entries, aged{key: k.(cacheKey), access: v.(*cacheEntry).lastAccess.Load()})
		return true
	})
	if len(entries) == 0 {
		return
	}
	// Partial selection is not worth it at this size; drop the oldest 10%.
	target := len(entries) / 10
	if target < 1 {
		target = 1
	}
	for i := 0; i < target; i++ {
		oldest := i
		for j := i + 1; j < len(entries); j++ {
			if entries[j].access < entries[oldest].access {
				entries[oldest], entries[j] = entries[j], entries[oldest]
			}
		}
		if _, loaded := st.cache.LoadAndDelete(entries[i].key); loaded {
			st.cacheCount.Add(-1)
		}
	}
	st.logger.Debug("indicator cache evicted", zap.Int("removed", target))
}
