// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/fabric/transport"
)

// DefaultParallelism bounds how many children a fan-out calls at once.
const DefaultParallelism = 16

type CompositeOption func(*compositeOptions)

type compositeOptions struct {
	parallelism int
	logger      *zap.Logger
}

func WithParallelism(n int) CompositeOption {
	return func(o *compositeOptions) { o.parallelism = n }
}

func WithCompositeLogger(l *zap.Logger) CompositeOption {
	return func(o *compositeOptions) { o.logger = l }
}

// Composite fans one logical call out to many Clients. Children are unique
// by transport descriptor and kept in insertion order.
type Composite struct {
	opts compositeOptions

	mu       sync.RWMutex
	children []*Client
	closed   bool
}

func NewComposite(opts ...CompositeOption) *Composite {
	o := compositeOptions{
		parallelism: DefaultParallelism,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.parallelism < 1 {
		o.parallelism = 1
	}
	return &Composite{opts: o}
}

// Add inserts child unless a child with an equal descriptor is present. On
// false the caller keeps ownership of child.
func (c *Composite) Add(child *Client) bool {
	d := child.Descriptor()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.indexOf(d) >= 0 {
		return false
	}
	c.children = append(c.children, child)
	return true
}

// Remove closes and drops the child for d.
func (c *Composite) Remove(d transport.Descriptor) bool {
	c.mu.Lock()
	i := c.indexOf(d)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	child := c.children[i]
	c.children = append(c.children[:i:i], c.children[i+1:]...)
	c.mu.Unlock()

	if err := child.Close(); err != nil {
		c.opts.logger.Debug("close removed child", zap.Stringer("peer", d), zap.Error(err))
	}
	return true
}

func (c *Composite) indexOf(d transport.Descriptor) int {
	for i, ch := range c.children {
		if transport.Equal(ch.Descriptor(), d) {
			return i
		}
	}
	return -1
}

func (c *Composite) Get(d transport.Descriptor) (*Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexOf(d); i >= 0 {
		return c.children[i], true
	}
	return nil, false
}

func (c *Composite) Has(d transport.Descriptor) bool {
	_, ok := c.Get(d)
	return ok
}

func (c *Composite) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.children)
}

// Descriptors lists the children in insertion order.
func (c *Composite) Descriptors() []transport.Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds := make([]transport.Descriptor, len(c.children))
	for i, ch := range c.children {
		ds[i] = ch.Descriptor()
	}
	return ds
}

func (c *Composite) snapshot() []*Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Client(nil), c.children...)
}

// ChildError is one child's failure in a fan-out.
type ChildError struct {
	Desc transport.Descriptor
	Err  error
}

// FanoutResult lists, in insertion order, the children a call reached and
// the ones it did not.
type FanoutResult struct {
	Succeeded []transport.Descriptor
	Failed    []ChildError
}

// Err is nil when every child succeeded, otherwise a *FanoutError.
func (r *FanoutResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &FanoutError{Failed: r.Failed, Total: len(r.Succeeded) + len(r.Failed)}
}

// FanoutError reports the children that failed a fan-out.
type FanoutError struct {
	Failed []ChildError
	Total  int
}

func (e *FanoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rpc: fan-out failed for %d of %d children", len(e.Failed), e.Total)
	for _, f := range e.Failed {
		fmt.Fprintf(&b, "; %v: %v", f.Desc, f.Err)
	}
	return b.String()
}

// Fanout sends payload to method m on every child concurrently. One child's
// failure never stops the others.
func (c *Composite) Fanout(ctx context.Context, m MethodID, payload []byte) *FanoutResult {
	return c.fanout(ctx, func(ctx context.Context, ch *Client) error {
		_, err := ch.CallRaw(ctx, m, payload)
		return err
	})
}

func (c *Composite) fanout(ctx context.Context, call func(context.Context, *Client) error) *FanoutResult {
	children := c.snapshot()
	errs := make([]error, len(children))

	var g errgroup.Group
	g.SetLimit(c.opts.parallelism)
	for i, ch := range children {
		i, ch := i, ch
		g.Go(func() error {
			errs[i] = call(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()

	res := &FanoutResult{}
	for i, ch := range children {
		d := ch.Descriptor()
		if errs[i] != nil {
			res.Failed = append(res.Failed, ChildError{Desc: d, Err: errs[i]})
			c.opts.logger.Warn("fan-out child failed", zap.Stringer("peer", d), zap.Error(errs[i]))
			continue
		}
		res.Succeeded = append(res.Succeeded, d)
	}
	return res
}

// CallRaw fans out and returns no payload; replies from request/response
// children are not aggregated. The error is a *FanoutError when any child
// failed.
func (c *Composite) CallRaw(ctx context.Context, m MethodID, payload []byte) ([]byte, error) {
	return nil, c.Fanout(ctx, m, payload).Err()
}

// Call encodes args with each child's codec and fans out. reply is not
// written.
func (c *Composite) Call(ctx context.Context, m MethodID, args, _ interface{}) error {
	return c.fanout(ctx, func(ctx context.Context, ch *Client) error {
		return ch.Call(ctx, m, args, nil)
	}).Err()
}

// Close closes every child. Later Adds are rejected.
func (c *Composite) Close() error {
	c.mu.Lock()
	children := c.children
	c.children = nil
	c.closed = true
	c.mu.Unlock()

	var first error
	for _, ch := range children {
		if err := ch.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
