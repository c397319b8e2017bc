package dma

// View aliases a window of a parent Memory. Reads and writes go straight to
// the parent; closing a View never frees the parent.
type View struct {
	parent Memory
	base   uint64
	size   uint64
}

// NewView returns a view of parent covering [base, base+size).
func NewView(parent Memory, base, size uint64) (*View, error) {
	if !inBounds(base, size, parent.Size()) {
		return nil, ErrOutOfBounds
	}
	if base%4 != 0 {
		return nil, ErrMisaligned
	}
	return &View{parent: parent, base: base, size: size}, nil
}

func (v *View) Parent() Memory {
	return v.parent
}

// Base is the view's offset inside its parent.
func (v *View) Base() uint64 {
	return v.base
}

func (v *View) Size() uint64 {
	return v.size
}

func (v *View) ReadAt(offset uint64, dest []byte) error {
	if v.parent == nil {
		return ErrClosed
	}
	if !inBounds(offset, uint64(len(dest)), v.size) {
		return ErrOutOfBounds
	}
	return v.parent.ReadAt(v.base+offset, dest)
}

func (v *View) WriteAt(offset uint64, src []byte) error {
	if v.parent == nil {
		return ErrClosed
	}
	if !inBounds(offset, uint64(len(src)), v.size) {
		return ErrOutOfBounds
	}
	return v.parent.WriteAt(v.base+offset, src)
}

func (v *View) AtomicLoad32(offset uint64) (uint32, error) {
	if !inBounds(offset, 4, v.size) {
		return 0, ErrOutOfBounds
	}
	return v.parent.AtomicLoad32(v.base + offset)
}

func (v *View) AtomicStore32(offset uint64, val uint32) error {
	if !inBounds(offset, 4, v.size) {
		return ErrOutOfBounds
	}
	return v.parent.AtomicStore32(v.base+offset, val)
}

func (v *View) AtomicAdd32(offset uint64, delta uint32) (uint32, error) {
	if !inBounds(offset, 4, v.size) {
		return 0, ErrOutOfBounds
	}
	return v.parent.AtomicAdd32(v.base+offset, delta)
}

// Close detaches the view. The parent stays alive.
func (v *View) Close() error {
	v.parent = nil
	v.size = 0
	return nil
}
