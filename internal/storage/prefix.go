package storage

// PrefixDB is a namespace inside another DB. Keys are stored under a fixed
// prefix and handed back to callers without it.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB returns the namespace prefix of inner.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: append([]byte(nil), prefix...)}
}

func (p *PrefixDB) key(k []byte) []byte {
	return append(append(make([]byte, 0, len(p.prefix)+len(k)), p.prefix...), k...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }
func (p *PrefixDB) Put(key, value []byte) error    { return p.inner.Put(p.key(key), value) }
func (p *PrefixDB) Delete(key []byte) error        { return p.inner.Delete(p.key(key)) }
func (p *PrefixDB) Has(key []byte) (bool, error)   { return p.inner.Has(p.key(key)) }

// ForEach visits the namespace keys under prefix, stripped of the
// namespace.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.inner.ForEach(p.key(prefix), func(k, v []byte) error {
		return fn(k[n:], v)
	})
}

// DeleteAll empties the namespace in one batch.
func (p *PrefixDB) DeleteAll() error {
	b := p.NewBatch()
	err := p.ForEach(nil, func(k, _ []byte) error {
		return b.Delete(k)
	})
	if err != nil {
		return err
	}
	return b.Commit()
}

// Close does nothing; the inner DB owns the handle.
func (p *PrefixDB) Close() error { return nil }

// NewBatch returns a batch in the namespace. It is atomic when the inner
// DB supports batches.
func (p *PrefixDB) NewBatch() Batch {
	if b, ok := p.inner.(Batcher); ok {
		return &prefixBatch{ns: p, inner: b.NewBatch()}
	}
	return &prefixBatch{ns: p}
}

// prefixBatch writes through inner, or queues writes when the inner DB
// has no batches.
type prefixBatch struct {
	ns    *PrefixDB
	inner Batch
	queue []func() error
}

func (b *prefixBatch) Put(key, value []byte) error {
	k := b.ns.key(key)
	if b.inner != nil {
		return b.inner.Put(k, value)
	}
	v := append([]byte(nil), value...)
	b.queue = append(b.queue, func() error { return b.ns.inner.Put(k, v) })
	return nil
}

func (b *prefixBatch) Delete(key []byte) error {
	k := b.ns.key(key)
	if b.inner != nil {
		return b.inner.Delete(k)
	}
	b.queue = append(b.queue, func() error { return b.ns.inner.Delete(k) })
	return nil
}

func (b *prefixBatch) Commit() error {
	if b.inner != nil {
		return b.inner.Commit()
	}
	for _, op := range b.queue {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}
