// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dirsync

import (
	"fmt"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// Entry records that a host serves a named service at an address.
type Entry struct {
	Host    string `cbor:"1,keyasint"`
	Service string `cbor:"2,keyasint"`
	Address string `cbor:"3,keyasint"`
}

func (e Entry) Key() Key { return Key{e.Host, e.Service} }

func (e Entry) String() string {
	return fmt.Sprintf("%s/%s@%s", e.Host, e.Service, e.Address)
}

// Key identifies an entry. Entries order by host, then service.
type Key struct {
	Host    string
	Service string
}

func compareKeys(a, b interface{}) int {
	ka, kb := a.(Key), b.(Key)
	if c := strings.Compare(ka.Host, kb.Host); c != 0 {
		return c
	}
	return strings.Compare(ka.Service, kb.Service)
}

// Directory is an ordered table of entries, safe for concurrent use.
type Directory struct {
	mu   sync.RWMutex
	tree *treemap.Map
}

func NewDirectory() *Directory {
	return &Directory{tree: treemap.NewWith(compareKeys)}
}

// Upsert inserts or replaces e and reports whether the table changed.
func (d *Directory) Upsert(e Entry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.tree.Get(e.Key()); ok && old.(Entry) == e {
		return false
	}
	d.tree.Put(e.Key(), e)
	return true
}

// Delete removes the entry for (host, service) and reports whether it
// existed.
func (d *Directory) Delete(host, service string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := Key{host, service}
	if _, ok := d.tree.Get(k); !ok {
		return false
	}
	d.tree.Remove(k)
	return true
}

// ReplaceHost makes entries the complete set attributed to host. Entries
// naming another host are ignored.
func (d *Directory) ReplaceHost(host string, entries []Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.hostLocked(host) {
		d.tree.Remove(e.Key())
	}
	for _, e := range entries {
		if e.Host == host {
			d.tree.Put(e.Key(), e)
		}
	}
}

func (d *Directory) Get(host, service string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.tree.Get(Key{host, service})
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Lookup returns every host's entry for service.
func (d *Directory) Lookup(service string) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Entry
	it := d.tree.Iterator()
	for it.Next() {
		if e := it.Value().(Entry); e.Service == service {
			out = append(out, e)
		}
	}
	return out
}

// Host returns the entries attributed to host.
func (d *Directory) Host(host string) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hostLocked(host)
}

func (d *Directory) hostLocked(host string) []Entry {
	var out []Entry
	it := d.tree.Iterator()
	for it.Next() {
		k := it.Key().(Key)
		if k.Host < host {
			continue
		}
		if k.Host > host {
			break
		}
		out = append(out, it.Value().(Entry))
	}
	return out
}

// Entries returns a snapshot in key order.
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, d.tree.Size())
	for _, v := range d.tree.Values() {
		out = append(out, v.(Entry))
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Size()
}
