package coresstm

import "sync/atomic"

// tag mirrors the source's 2-bit link encoding.
type tag uint8

const (
	tagNone       tag = 0b00 // no shadow
	tagWriterOnly tag = 0b10 // shadow installed, not yet visible to readers
	tagPublished  tag = 0b11 // commit phase in progress; readers see shadow
)

// mask is a reader or writer's thread-local read_mask value.
type mask uint8

const (
	maskNone   mask = 0b00 // outside any transaction
	maskReader mask = 0b01 // inside a read-only section
	maskWriter mask = 0b10 // the single writer's write transaction
)

// linkState is the immutable value an object's link field points to.
// Replacing it atomically is how the writer publishes or clears a
// shadow without readers ever observing a torn state.
type linkState[T any] struct {
	tag     tag
	shadow  *T
	release *T
}

// Cell is an STM-managed object: a canonical value plus the linkage
// word the source calls an_sstm_linkage.
type Cell[T any] struct {
	Data T
	link atomic.Pointer[linkState[T]]
}

// Ops is the per-type vtable for single-writer STM operations.
// Any field left nil falls back to the source's documented default:
// InitShadow, PreRelease and CommitShadow copy T field for field;
// ThawShadow, FreezeShadow and Release do nothing.
type Ops[T any] struct {
	InitShadow   func(shadow, original *T)
	ThawShadow   func(shadow *T)
	FreezeShadow func(shadow *T)
	PreRelease   func(release, original *T)
	CommitShadow func(original, shadow *T)
	Release      func(release *T)
}

func (o Ops[T]) initShadow(shadow, original *T) {
	if o.InitShadow != nil {
		o.InitShadow(shadow, original)
		return
	}
	*shadow = *original
}

func (o Ops[T]) thawShadow(shadow *T) {
	if o.ThawShadow != nil {
		o.ThawShadow(shadow)
	}
}

func (o Ops[T]) freezeShadow(shadow *T) {
	if o.FreezeShadow != nil {
		o.FreezeShadow(shadow)
	}
}

func (o Ops[T]) preRelease(release, original *T) {
	if o.PreRelease != nil {
		o.PreRelease(release, original)
		return
	}
	*release = *original
}

func (o Ops[T]) commitShadow(original, shadow *T) {
	if o.CommitShadow != nil {
		o.CommitShadow(original, shadow)
		return
	}
	*original = *shadow
}

func (o Ops[T]) release(release *T) {
	if o.Release != nil {
		o.Release(release)
	}
}

// read implements the source's two-load read path: outside any
// section read_mask is 0b00 and always sees canonical; a reader sees
// the shadow only once the writer has published it (tag 0b11); the
// writer sees its own installed-but-unpublished shadow (tag 0b10) too.
func read[T any](c *Cell[T], m mask) *T {
	link := c.link.Load()
	if link == nil {
		return &c.Data
	}
	if tag(uint8(link.tag)&uint8(m)) == 0 {
		return &c.Data
	}
	return link.shadow
}
