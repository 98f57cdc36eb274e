package eviction

import (
	"github.com/rdmacache/bcache/blockid"
	"github.com/rdmacache/bcache/page"
	"github.com/rdmacache/bcache/policy"
)

// pageNode adapts a *page.Page to policy.Node so a pluggable eviction
// policy (policy/lru, policy/twoq) can maintain an exact
// recency order over a bag's pages, keyed by block id. page.Page itself
// cannot serve as the key type (it embeds a []byte buffer and is not
// comparable), so the node keys on blockid.ID and carries the *page.Page
// as its value.
type pageNode struct {
	key        blockid.ID
	val        *page.Page
	prev, next *pageNode
}

func (n *pageNode) Key() blockid.ID    { return n.key }
func (n *pageNode) Value() **page.Page { return &n.val }

// orderedIndex is the intrusive MRU/LRU list a Bag delegates to when
// constructed WithPolicy.
type orderedIndex struct {
	byPage map[*page.Page]*pageNode
	head   *pageNode // MRU
	tail   *pageNode // LRU
	length int
	pol    policy.ShardPolicy[blockid.ID, *page.Page]
}

func newOrderedIndex(factory policy.Policy[blockid.ID, *page.Page]) *orderedIndex {
	oi := &orderedIndex{byPage: make(map[*page.Page]*pageNode)}
	oi.pol = factory.New(orderedHooks{oi})
	return oi
}

type orderedHooks struct{ oi *orderedIndex }

func (h orderedHooks) MoveToFront(n policy.Node[blockid.ID, *page.Page]) {
	h.oi.moveToFront(n.(*pageNode))
}
func (h orderedHooks) PushFront(n policy.Node[blockid.ID, *page.Page]) {
	h.oi.pushFront(n.(*pageNode))
}
func (h orderedHooks) Remove(n policy.Node[blockid.ID, *page.Page]) {
	h.oi.unlink(n.(*pageNode))
}
func (h orderedHooks) Back() policy.Node[blockid.ID, *page.Page] {
	if h.oi.tail == nil {
		return nil
	}
	return h.oi.tail
}
func (h orderedHooks) Len() int { return h.oi.length }

func (oi *orderedIndex) pushFront(n *pageNode) {
	n.prev = nil
	n.next = oi.head
	if oi.head != nil {
		oi.head.prev = n
	}
	oi.head = n
	if oi.tail == nil {
		oi.tail = n
	}
	oi.length++
}

func (oi *orderedIndex) moveToFront(n *pageNode) {
	if n == oi.head {
		return
	}
	oi.unlink(n)
	oi.pushFront(n)
}

func (oi *orderedIndex) unlink(n *pageNode) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if oi.head == n {
		oi.head = n.next
	}
	if oi.tail == n {
		oi.tail = n.prev
	}
	n.prev, n.next = nil, nil
	oi.length--
}

// add inserts p into the ordered index at MRU, or promotes it if already
// present. If the policy proposes an eviction candidate of its own (e.g.
// 2Q demoting out of the probation queue), that candidate is detached
// from the index's own bookkeeping; the caller (Bag) is responsible for
// actually reclaiming it from the bag's byte/slice state too.
func (oi *orderedIndex) add(p *page.Page) (evicted *page.Page) {
	if n, ok := oi.byPage[p]; ok {
		oi.pol.OnGet(n)
		return nil
	}
	n := &pageNode{key: p.BlockID, val: p}
	oi.byPage[p] = n
	ev := oi.pol.OnAdd(n)
	if ev == nil {
		return nil
	}
	evNode := ev.(*pageNode)
	oi.pol.OnRemove(evNode)
	oi.unlink(evNode)
	delete(oi.byPage, evNode.val)
	return evNode.val
}

func (oi *orderedIndex) remove(p *page.Page) {
	n, ok := oi.byPage[p]
	if !ok {
		return
	}
	oi.pol.OnRemove(n)
	oi.unlink(n)
	delete(oi.byPage, p)
}

// oldest returns the current LRU page in exact order, or nil if empty.
func (oi *orderedIndex) oldest() *page.Page {
	if oi.tail == nil {
		return nil
	}
	return oi.tail.val
}

// WithPolicy attaches an exact-order victim selector (e.g.
// lru.New[blockid.ID, *page.Page]() or twoq.New[...]) to the bag.
// Without one, OldestAcceptable falls back to a bounded random-sample
// scan. Only evictable_disk_backed uses this in practice;
// the other four bags have no ordering requirement.
func (b *Bag) WithPolicy(factory policy.Policy[blockid.ID, *page.Page]) *Bag {
	b.ordered = newOrderedIndex(factory)
	return b
}
