package btree

import (
	"context"
	"errors"
	"fmt"
)

// GetOpts controls buffer handling for Get.
type GetOpts struct {
	// Buffer, if non-nil, is filled with the value in place.
	Buffer []byte
	// AllocIfTooSmall, combined with a non-nil Buffer, allows Get to
	// allocate a new buffer when Buffer is too small instead of failing.
	AllocIfTooSmall bool
}

// Get performs a point lookup. Returns ErrKeyNotFound (wrapped) when
// absent, or ErrBufferTooSmall when the caller's buffer can't hold the
// value and AllocIfTooSmall wasn't requested.
func (t *Tree) Get(ctx context.Context, key []byte, opts GetOpts) ([]byte, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()

	leaf, err := t.descendRead(ctx, key)
	if err != nil {
		return nil, err
	}
	defer t.releaseRead(leaf)

	n := leaf.Node()

	idx, found := t.findLeafRecord(n, key)
	if !found {
		return nil, fmt.Errorf("key not found: %w", ErrKeyNotFound)
	}

	rec := n.Records[idx]

	if !rec.IsOverflowed() {
		return t.fillBuffer(rec.InlineValue, opts)
	}

	value, err := t.readOverflowChain(ctx, rec.ValuePtr, rec.DataLen)
	if err != nil {
		return nil, err
	}

	return t.fillBuffer(value, opts)
}

// fillBuffer copies src into opts.Buffer, allocating instead when the
// buffer is too small and AllocIfTooSmall is set.
func (t *Tree) fillBuffer(src []byte, opts GetOpts) ([]byte, error) {
	if opts.Buffer == nil {
		out := make([]byte, len(src))
		copy(out, src)

		return out, nil
	}

	if len(opts.Buffer) < len(src) {
		if !opts.AllocIfTooSmall {
			return nil, fmt.Errorf("need %d bytes, have %d: %w", len(src), len(opts.Buffer), ErrBufferTooSmall)
		}

		out := make([]byte, len(src))
		copy(out, src)

		return out, nil
	}

	n := copy(opts.Buffer, src)

	return opts.Buffer[:n], nil
}

// readOverflowChain walks an overflow chain from its head, copying up to
// nodesize-less-header bytes per hop until totalLen is assembled.
func (t *Tree) readOverflowChain(ctx context.Context, head uint64, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)

	id := head
	for id != 0 && uint32(len(out)) < totalLen {
		w, err := t.loadWrapper(ctx, id, t.nonLeafLayout())
		if err != nil {
			return nil, err
		}

		w.Lock.RLock()
		n := w.Node()

		remaining := totalLen - uint32(len(out))

		chunk := n.OverflowPayload
		if uint32(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		out = append(out, chunk...)
		next := n.Next

		w.Lock.RUnlock()
		t.cache.Release(w)

		id = next
	}

	if uint32(len(out)) != totalLen {
		return nil, fmt.Errorf("overflow chain short: got %d want %d: %w", len(out), totalLen, errors.Join(errFailure, ErrCorruptNode))
	}

	return out, nil
}
