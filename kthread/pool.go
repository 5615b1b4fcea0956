// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kthread

// pool is a table of pending operations keyed by a correlation id.
//
// IDs are allocated monotonically starting at 1. Zero is never issued, and on
// wrap-around ids still in use are skipped.
type pool[T any] struct {
	items  map[uint32]T
	nextID uint32
}

func (p *pool[T]) add(v T) uint32 {
	if p.items == nil {
		p.items = make(map[uint32]T)
	}
	for {
		p.nextID++
		if p.nextID == 0 {
			continue
		}
		if _, ok := p.items[p.nextID]; !ok {
			break
		}
	}
	p.items[p.nextID] = v
	return p.nextID
}

func (p *pool[T]) get(id uint32) (v T, ok bool) {
	v, ok = p.items[id]
	return
}

func (p *pool[T]) take(id uint32) (v T, ok bool) {
	v, ok = p.items[id]
	if ok {
		delete(p.items, id)
	}
	return
}

// clear drops every entry, returning how many there were.
func (p *pool[T]) clear() int {
	n := len(p.items)
	clear(p.items)
	return n
}

func (p *pool[T]) len() int {
	return len(p.items)
}
