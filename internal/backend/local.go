package backend

import (
	"context"
	"sync"
	"time"
)

// LocalClock derives heights from elapsed wall-clock time. A zero block
// time freezes the clock so heights only move through Advance.
type LocalClock struct {
	mu        sync.Mutex
	start     time.Time
	base      uint64
	advanced  uint64
	blockTime time.Duration
	now       func() time.Time
}

// NewLocalClock starts a clock at startHeight.
func NewLocalClock(startHeight uint64, blockTime time.Duration) *LocalClock {
	return &LocalClock{
		start:     time.Now(),
		base:      startHeight,
		blockTime: blockTime,
		now:       time.Now,
	}
}

// Type returns TypeLocal.
func (l *LocalClock) Type() Type {
	return TypeLocal
}

// BlockHeight returns the current height.
func (l *LocalClock) BlockHeight(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height(), nil
}

func (l *LocalClock) height() uint64 {
	h := l.base + l.advanced
	if l.blockTime > 0 {
		h += uint64(l.now().Sub(l.start) / l.blockTime)
	}
	return h
}

// Advance moves the clock forward by n blocks and returns the new height.
func (l *LocalClock) Advance(n uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advanced += n
	return l.height()
}

func (l *LocalClock) Close() error {
	return nil
}

var _ HeightSource = (*LocalClock)(nil)
