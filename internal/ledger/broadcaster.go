// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ledger

import (
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 100

type subscriber struct {
	pattern string
	match   glob.Glob
	ch      chan Record
}

// Broadcaster fans committed records out to subscribers whose stream
// pattern matches, e.g. "player:*" or "*".
type Broadcaster struct {
	mu   sync.RWMutex
	subs []*subscriber
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe returns a channel receiving every record whose stream matches
// pattern. The pattern uses glob syntax.
func (b *Broadcaster) Subscribe(pattern string) (chan Record, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errInvalidPattern(pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Record, subscriberBuffer)
	b.subs = append(b.subs, &subscriber{pattern: pattern, match: g, ch: ch})
	return ch, nil
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *Broadcaster) Unsubscribe(ch chan Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Broadcast delivers rec to matching subscribers without blocking.
func (b *Broadcaster) Broadcast(rec Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.match.Match(rec.Stream) {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			// The record is committed regardless; a slow watcher can catch up
			// through History.
			slog.Warn("record dropped: subscriber buffer full",
				"stream", rec.Stream,
				"record_id", rec.ID.String(),
				"pattern", sub.pattern,
			)
		}
	}
}

func errInvalidPattern(pattern string, err error) error {
	return oops.Code("INVALID_PATTERN").With("pattern", pattern).Wrap(err)
}

// compilePattern compiles a stream glob into a matcher.
func compilePattern(pattern string) (func(string) bool, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errInvalidPattern(pattern, err)
	}
	return g.Match, nil
}
