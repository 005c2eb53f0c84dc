// Package bus fans broker stream events out to the strategy monitor and
// dispatcher. Bar-close events are must-deliver: publishing blocks until
// every subscriber has taken the event, preserving arrival order. Tick
// events are best-effort: slow subscribers miss ticks rather than stalling
// the stream consumer.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/executor-agent/internal/metrics"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Bus is the internal fan-out for market events. All Publish* methods are
// called from the broker transport's single stream consumer, which is what
// keeps per-subscriber ordering intact.
type Bus struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	barSubs   map[int]*barSub
	tickSubs  map[int]chan types.Tick
	fillSubs  map[int]*fillSub
	nextSubID int
	closed    bool
}

// barSub pairs the delivery channel with a done signal so a blocked
// publisher is released the moment the subscriber cancels, even with the
// buffer full.
type barSub struct {
	ch   chan types.Bar
	done chan struct{}
}

type fillSub struct {
	ch   chan types.FillNotice
	done chan struct{}
}

// New creates an empty bus.
func New(logger *zap.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		logger:   logger.Named("bus"),
		metrics:  m,
		barSubs:  make(map[int]*barSub),
		tickSubs: make(map[int]chan types.Tick),
		fillSubs: make(map[int]*fillSub),
	}
}

// SubscribeBars registers a must-deliver bar-close subscriber. The returned
// cancel func must be called to release the subscription; the channel is
// closed by Close or by cancel.
func (b *Bus) SubscribeBars(buffer int) (<-chan types.Bar, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	sub := &barSub{ch: make(chan types.Bar, buffer), done: make(chan struct{})}
	b.barSubs[id] = sub
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { close(sub.done) })
		b.dropBarSub(id)
	}
}

// SubscribeTicks registers a best-effort tick subscriber.
func (b *Bus) SubscribeTicks(buffer int) (<-chan types.Tick, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	ch := make(chan types.Tick, buffer)
	b.tickSubs[id] = ch
	return ch, func() { b.dropTickSub(id) }
}

// SubscribeFills registers a must-deliver fill subscriber.
func (b *Bus) SubscribeFills(buffer int) (<-chan types.FillNotice, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	sub := &fillSub{ch: make(chan types.FillNotice, buffer), done: make(chan struct{})}
	b.fillSubs[id] = sub
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { close(sub.done) })
		b.dropFillSub(id)
	}
}

// PublishBarClose delivers a finalized bar to every subscriber, blocking
// until each has accepted it or cancelled its subscription.
func (b *Bus) PublishBarClose(bar types.Bar) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.barSubs {
		select {
		case sub.ch <- bar:
		case <-sub.done:
		}
	}
}

// PublishTick delivers a tick to every subscriber that can take it now;
// the rest are skipped and counted.
func (b *Bus) PublishTick(tick types.Tick) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.tickSubs {
		select {
		case ch <- tick:
		default:
			b.metrics.TicksDropped.Inc()
		}
	}
}

// PublishFill delivers a fill notice to every subscriber, blocking like
// bar closes: fills drive position accounting and must not be lost.
func (b *Bus) PublishFill(f types.FillNotice) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.fillSubs {
		select {
		case sub.ch <- f:
		case <-sub.done:
		}
	}
}

// Close closes every subscriber channel. Publish calls after Close are
// no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.barSubs {
		close(sub.ch)
		delete(b.barSubs, id)
	}
	for id, ch := range b.tickSubs {
		close(ch)
		delete(b.tickSubs, id)
	}
	for id, sub := range b.fillSubs {
		close(sub.ch)
		delete(b.fillSubs, id)
	}
	b.logger.Debug("bus closed")
}

func (b *Bus) dropBarSub(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.barSubs[id]; ok {
		delete(b.barSubs, id)
		close(sub.ch)
	}
}

func (b *Bus) dropTickSub(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.tickSubs[id]; ok {
		delete(b.tickSubs, id)
		close(ch)
	}
}

func (b *Bus) dropFillSub(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.fillSubs[id]; ok {
		delete(b.fillSubs, id)
		close(sub.ch)
	}
}
