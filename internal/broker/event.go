package broker

import (
	"errors"
	"sync"
)

var (
	// ErrInvalidPath is returned when a path collapses to nothing
	// under canonicalization.
	ErrInvalidPath = errors.New("broker: invalid event path")

	// ErrEventExists is returned by Insert when the path already has a
	// handler set. The existing event is returned alongside it.
	ErrEventExists = errors.New("broker: event already exists")
)

// HandlerFn is the on-request hook: it runs when a client routes an
// event to this path.
type HandlerFn func(c *Client, evExtra string, clientCB uint32, json string) Status

// OnFn is the on-subscribe hook. It may respond synchronously (return
// OK/ERR) or asynchronously by stashing info and returning
// StatusHandled; in the async case it must eventually call
// info.Finish.
type OnFn func(info *OnInfo) Status

// OffFn is the on-unsubscribe hook, called after a subscription is
// truly removed.
type OffFn func(c *Client, evExtra string)

// Event is a node in the path trie. Only nodes created through
// registration carry handlers; interior nodes exist purely as links.
// Events are never destroyed until shutdown, which is what makes the
// lookup path cheap: readers only take the registry's read lock while
// inserts are rare startup-time operations.
type Event struct {
	broker *Broker

	// path is the canonical registration path. Empty on bare interior
	// nodes.
	path string

	handlerFn HandlerFn
	onFn      OnFn
	offFn     OffFn

	// handlesChildren lets a prefix match during routing and
	// subscription resolve to this event, with the unmatched suffix
	// exposed as evExtra.
	handlesChildren bool

	// registered marks nodes that carry a handler set. A deeper bare
	// node never shadows a shallower registered one.
	registered bool

	children [childSpan]*Event

	// subs maps extra-path-suffix -> subscription ("" is the root sub).
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// Path returns the canonical registration path.
func (e *Event) Path() string {
	return e.path
}

// eventTrie stores handlers keyed by path with O(|path|) insert and
// lookup. A single registry lock guards inserts; queries take the read
// side only.
type eventTrie struct {
	mu   sync.RWMutex
	root *Event
}

func newEventTrie() *eventTrie {
	return &eventTrie{root: &Event{}}
}

// insert registers a handler set at path. When the node already has
// handlers the existing event is returned with ErrEventExists.
func (t *eventTrie) insert(b *Broker, path string, handler HandlerFn, on OnFn, off OffFn, handlesChildren bool) (*Event, error) {
	clean := CleanPath(path)
	if clean == "" {
		return nil, ErrInvalidPath
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root
	for i := 0; i < len(clean); i++ {
		idx := childIndex(clean[i])
		child := node.children[idx]
		if child == nil {
			child = &Event{broker: b}
			node.children[idx] = child
		}
		node = child
	}

	if node.registered {
		return node, ErrEventExists
	}

	node.broker = b
	node.path = clean
	node.handlerFn = handler
	node.onFn = on
	node.offFn = off
	node.handlesChildren = handlesChildren
	node.registered = true
	node.subs = make(map[string]*Subscription)

	return node, nil
}

// query descends character by character. The deepest registered node
// wins; when the walk falls off the trie, the nearest registered
// ancestor with handlesChildren=true matches instead, with the
// unmatched suffix returned as evExtra.
func (t *eventTrie) query(path string) (*Event, string) {
	clean := CleanPath(path)
	if clean == "" {
		return nil, ""
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var best *Event
	bestDepth := 0

	node := t.root
	for i := 0; i < len(clean); i++ {
		idx := childIndex(clean[i])
		child := node.children[idx]
		if child == nil {
			node = nil
			break
		}
		node = child
		if node.registered && node.handlesChildren {
			best = node
			bestDepth = i + 1
		}
	}

	if node != nil && node.registered {
		return node, ""
	}
	if best != nil {
		return best, clean[bestDepth:]
	}
	return nil, ""
}
