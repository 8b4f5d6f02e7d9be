// Package replay implements a circular training-sample store: a set of
// named tensors sharing one capacity-sized first dimension, written
// round-robin and drawn from by uniform sampling without replacement.
package replay

import (
	"bytes"
	"encoding"
	"encoding/gob"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
)

// Batch is one or more rows to add under each name; every named tensor must
// share the same leading (row-count) dimension.
type Batch map[string]*tensor.Dense

// Buffer is a circular, named-tensor, capacity-bounded sample store.
type Buffer struct {
	capacity int
	size     int
	nextIdx  int
	rng      *rand.Rand

	rowShape map[string][]int
	data     map[string][]float32 // flattened [capacity, ...rowShape] storage
}

// New creates an empty buffer of the given capacity. Tensors are allocated
// lazily on the first Add call, from its rows' shapes.
func New(capacity int, rng *rand.Rand) *Buffer {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Buffer{
		capacity: capacity,
		rng:      rng,
		rowShape: make(map[string][]int),
		data:     make(map[string][]float32),
	}
}

func rowLen(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Add appends every row in batch, overwriting the oldest rows once capacity
// is reached. All named tensors in batch must share the same row count; on
// the first call their per-row shapes (dims after the leading one) become
// fixed for the buffer's lifetime.
func (b *Buffer) Add(batch Batch) error {
	if len(batch) == 0 {
		return nil
	}
	rows := -1
	for name, t := range batch {
		shape := t.Shape()
		if len(shape) == 0 {
			return errors.Errorf("replay: tensor %q has no dimensions", name)
		}
		if rows == -1 {
			rows = shape[0]
		} else if shape[0] != rows {
			return errors.Errorf("replay: tensor %q has %d rows, want %d", name, shape[0], rows)
		}
	}
	if rows > b.capacity {
		return errors.Errorf("replay: batch of %d rows exceeds capacity %d", rows, b.capacity)
	}

	for name, t := range batch {
		shape := t.Shape()
		row := append([]int(nil), shape[1:]...)
		if existing, ok := b.rowShape[name]; ok {
			if !sameShape(existing, row) {
				return errors.Errorf("replay: tensor %q shape %v does not match established shape %v", name, row, existing)
			}
		} else {
			b.rowShape[name] = row
			b.data[name] = make([]float32, b.capacity*rowLen(row))
		}

		raw, ok := t.Data().([]float32)
		if !ok {
			return errors.Errorf("replay: tensor %q is not float32-backed", name)
		}
		perRow := rowLen(row)
		dst := b.data[name]
		idx := b.nextIdx
		for r := 0; r < rows; r++ {
			copy(dst[idx*perRow:(idx+1)*perRow], raw[r*perRow:(r+1)*perRow])
			idx = (idx + 1) % b.capacity
		}
	}

	b.nextIdx = (b.nextIdx + rows) % b.capacity
	if b.size+rows > b.capacity {
		b.size = b.capacity
	} else {
		b.size += rows
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Sample draws k distinct row indices in [0, size) uniformly without
// replacement and returns the per-name gather.
func (b *Buffer) Sample(k int) (Batch, error) {
	if k > b.size {
		return nil, errors.Errorf("replay: sample size %d exceeds buffer size %d", k, b.size)
	}
	idx := make([]int, b.size)
	for i := range idx {
		idx[i] = i
	}
	b.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	idx = idx[:k]
	sort.Ints(idx)

	out := make(Batch, len(b.data))
	for name, raw := range b.data {
		row := b.rowShape[name]
		perRow := rowLen(row)
		gathered := make([]float32, k*perRow)
		for i, src := range idx {
			copy(gathered[i*perRow:(i+1)*perRow], raw[src*perRow:(src+1)*perRow])
		}
		shape := append([]int{k}, row...)
		out[name] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(gathered))
	}
	return out, nil
}

// Size reports the number of valid rows currently stored.
func (b *Buffer) Size() int { return b.size }

// Capacity reports the fixed row capacity.
func (b *Buffer) Capacity() int { return b.capacity }

// NextIdx reports the next write position, for tests and checkpoint
// round-trips.
func (b *Buffer) NextIdx() int { return b.nextIdx }

// snapshot is the gob-serializable form of a Buffer.
type snapshot struct {
	Capacity int
	Size     int
	NextIdx  int
	RowShape map[string][]int
	Data     map[string][]float32
	RngState []byte
}

// ToState serializes the buffer to opaque bytes for checkpointing. The RNG
// state is included only when the *rand.Rand value itself implements
// encoding.BinaryMarshaler; its source is not inspected, and *rand.Rand from
// golang.org/x/exp/rand does not implement it, so such a snapshot carries no
// RNG state.
func (b *Buffer) ToState() ([]byte, error) {
	snap := snapshot{
		Capacity: b.capacity,
		Size:     b.size,
		NextIdx:  b.nextIdx,
		RowShape: b.rowShape,
		Data:     b.data,
	}
	if m, ok := interface{}(b.rng).(encoding.BinaryMarshaler); ok {
		state, err := m.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "replay: marshal rng state")
		}
		snap.RngState = state
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, errors.Wrap(err, "replay: encode state")
	}
	return buf.Bytes(), nil
}

// InitFromState restores a buffer previously produced by ToState. If the
// snapshot holds RNG state and the rng value itself implements
// encoding.BinaryUnmarshaler, that state is restored onto it; otherwise rng
// continues from its own seed.
func InitFromState(raw []byte, rng *rand.Rand) (*Buffer, error) {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "replay: decode state")
	}
	b := New(snap.Capacity, rng)
	b.size = snap.Size
	b.nextIdx = snap.NextIdx
	b.rowShape = snap.RowShape
	b.data = snap.Data
	if len(snap.RngState) > 0 {
		if u, ok := interface{}(b.rng).(encoding.BinaryUnmarshaler); ok {
			if err := u.UnmarshalBinary(snap.RngState); err != nil {
				return nil, errors.Wrap(err, "replay: unmarshal rng state")
			}
		}
	}
	return b, nil
}

// InitFromStateWithCapacity restores into an already-sized buffer, erroring
// if the persisted capacity does not match the requested one.
func InitFromStateWithCapacity(raw []byte, capacity int, rng *rand.Rand) (*Buffer, error) {
	b, err := InitFromState(raw, rng)
	if err != nil {
		return nil, err
	}
	if b.capacity != capacity {
		return nil, errors.Errorf("replay: persisted capacity %d does not match requested %d", b.capacity, capacity)
	}
	return b, nil
}
