package reconcile

import (
	"sync"

	"github.com/bmbapp/bmb/internal/scenario"
)

// FieldBuffer merges three values of one editable field: the remote
// value from the store, the local draft, and a committed write that the
// store has not acknowledged yet.
//
// While focused the draft wins. Otherwise an unacknowledged write wins,
// and after that the remote value. A FieldBuffer has a single editor and
// is not safe for concurrent use; Drafts adds locking.
type FieldBuffer[T comparable] struct {
	remote   T
	draft    T
	focused  bool
	edited   bool
	inflight *T
}

// NewFieldBuffer starts a buffer at the remote value.
func NewFieldBuffer[T comparable](remote T) *FieldBuffer[T] {
	return &FieldBuffer[T]{remote: remote, draft: remote}
}

// Focus marks the field as being edited.
func (b *FieldBuffer[T]) Focus() {
	if !b.focused {
		b.draft = b.Value()
		b.focused = true
	}
}

// Edit replaces the draft. Editing implies focus.
func (b *FieldBuffer[T]) Edit(v T) {
	b.Focus()
	b.draft = v
	b.edited = true
}

// ApplyRemote records an incoming remote value. It never touches the
// draft of a focused field. A remote value equal to the unacknowledged
// write is its echo and acknowledges it.
func (b *FieldBuffer[T]) ApplyRemote(v T) {
	b.remote = v
	if b.inflight != nil && *b.inflight == v {
		b.inflight = nil
	}
	if !b.focused {
		b.draft = b.Value()
	}
}

// Commit ends editing. When the draft differs from the remote value it
// becomes the in-flight write and is returned for the caller to persist.
func (b *FieldBuffer[T]) Commit() (T, bool) {
	b.focused = false
	edited := b.edited
	b.edited = false
	if !edited || b.draft == b.remote {
		b.draft = b.Value()
		var zero T
		return zero, false
	}
	v := b.draft
	b.inflight = &v
	return v, true
}

// Cancel ends editing and drops the draft.
func (b *FieldBuffer[T]) Cancel() {
	b.focused = false
	b.edited = false
	b.draft = b.Value()
}

// Ack records the store's answer to the in-flight write.
func (b *FieldBuffer[T]) Ack(v T) {
	b.inflight = nil
	b.remote = v
	if !b.focused {
		b.draft = v
	}
}

// Fail drops the in-flight write so the field falls back to the remote
// value.
func (b *FieldBuffer[T]) Fail() {
	b.inflight = nil
	if !b.focused {
		b.draft = b.remote
	}
}

// Value is the value to display.
func (b *FieldBuffer[T]) Value() T {
	switch {
	case b.focused:
		return b.draft
	case b.inflight != nil:
		return *b.inflight
	default:
		return b.remote
	}
}

// Remote is the last value seen from the store.
func (b *FieldBuffer[T]) Remote() T { return b.remote }

// Focused reports whether the field is being edited.
func (b *FieldBuffer[T]) Focused() bool { return b.focused }

// Pending reports whether a committed write awaits acknowledgement.
func (b *FieldBuffer[T]) Pending() bool { return b.inflight != nil }

// diverged reports whether the displayed value differs from remote.
func (b *FieldBuffer[T]) diverged() bool {
	return b.focused || b.inflight != nil
}

// Field names an editable scenario column.
type Field string

const (
	FieldDescription Field = "description"
	FieldAmount      Field = "donation_amount_usdt"
)

// Valid reports whether f is editable.
func (f Field) Valid() bool { return f == FieldDescription || f == FieldAmount }

// FieldValue returns the stored value of f.
func FieldValue(s *scenario.Scenario, f Field) string {
	if f == FieldAmount {
		return s.DonationAmount
	}
	return s.Description
}

// DraftKey identifies one editor's buffer for one field.
type DraftKey struct {
	Editor     string
	ScenarioID string
	Field      Field
}

// Drafts holds the field buffers of every editor. Remote updates for a
// scenario are applied to all of its buffers.
type Drafts struct {
	mu      sync.Mutex
	buffers map[DraftKey]*FieldBuffer[string]
}

// NewDrafts creates an empty draft set.
func NewDrafts() *Drafts {
	return &Drafts{buffers: make(map[DraftKey]*FieldBuffer[string])}
}

func (d *Drafts) buffer(k DraftKey, remote string) *FieldBuffer[string] {
	b, ok := d.buffers[k]
	if !ok {
		b = NewFieldBuffer(remote)
		d.buffers[k] = b
	}
	return b
}

// Edit focuses the field and sets its draft. remote seeds a new buffer.
func (d *Drafts) Edit(k DraftKey, remote, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer(k, remote).Edit(value)
}

// Focus marks the field as being edited without changing it.
func (d *Drafts) Focus(k DraftKey, remote string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer(k, remote).Focus()
}

// Commit ends editing and returns the value to write, if any.
func (d *Drafts) Commit(k DraftKey) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[k]
	if !ok {
		return "", false
	}
	return b.Commit()
}

// Cancel drops the editor's draft.
func (d *Drafts) Cancel(k DraftKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[k]; ok {
		b.Cancel()
		if !b.Pending() {
			delete(d.buffers, k)
		}
	}
}

// Ack applies the row the store returned for a committed write.
func (d *Drafts) Ack(k DraftKey, s *scenario.Scenario) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[k]; ok {
		b.Ack(FieldValue(s, k.Field))
		d.gc(k, b)
	}
}

// Fail rolls the field back to the remote value.
func (d *Drafts) Fail(k DraftKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[k]; ok {
		b.Fail()
		d.gc(k, b)
	}
}

// ApplyRemote feeds a new scenario row to every buffer of that scenario.
func (d *Drafts) ApplyRemote(s *scenario.Scenario) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, b := range d.buffers {
		if k.ScenarioID != s.ID {
			continue
		}
		b.ApplyRemote(FieldValue(s, k.Field))
		d.gc(k, b)
	}
}

// Overrides returns the displayed values that differ from the store for
// one editor, ready for Input.Drafts.
func (d *Drafts) Overrides(editor, scenarioID string) map[Field]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out map[Field]string
	for k, b := range d.buffers {
		if k.Editor != editor || k.ScenarioID != scenarioID || !b.diverged() {
			continue
		}
		if out == nil {
			out = make(map[Field]string)
		}
		out[k.Field] = b.Value()
	}
	return out
}

// Len returns the number of live buffers.
func (d *Drafts) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// gc drops buffers that hold nothing beyond the remote value.
func (d *Drafts) gc(k DraftKey, b *FieldBuffer[string]) {
	if !b.diverged() {
		delete(d.buffers, k)
	}
}
