// Package crdt wraps an off-the-shelf convergent text document (automerge)
// behind the small surface the sync engine needs: positional edits that
// yield local-origin update bytes, remote update application, and a full
// state encoding for bootstrapping new peers.
package crdt

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// contentKey is the root map key holding the shared text object.
const contentKey = "content"

// ErrCorruptUpdate reports update bytes the document could not apply. The
// replica state is unchanged when this is returned.
var ErrCorruptUpdate = errors.New("corrupt document update")

// Replica is a convergent text document. Applying the same set of updates
// to any two replicas, in any order and with duplicates, yields the same
// text and the same full-state encoding.
//
// Insert and Delete return the update bytes for exactly that mutation, so
// updates received from the network (which enter through ApplyUpdate) can
// never leak back into the send path.
type Replica struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// New returns an empty replica with the shared text object initialized.
func New() *Replica {
	doc := automerge.New()
	if err := doc.Path(contentKey).Set(automerge.NewText("")); err != nil {
		panic(fmt.Sprintf("init document text: %v", err))
	}
	if _, err := doc.Commit("init", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		panic(fmt.Sprintf("commit initial document: %v", err))
	}
	return &Replica{doc: doc}
}

// Load reconstructs a replica from EncodeFullState bytes.
func Load(state []byte) (*Replica, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	// Two replicas seeded from the same snapshot would otherwise share an
	// actor ID and could mint conflicting operations.
	id := uuid.New()
	if err := doc.SetActorID(hex.EncodeToString(id[:])); err != nil {
		return nil, fmt.Errorf("set actor id: %w", err)
	}
	return &Replica{doc: doc}, nil
}

// Insert adds text at the given rune index and returns the resulting
// update. The index must be within [0, Len()].
func (r *Replica) Insert(index int, text string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.doc.Heads()
	t, err := r.contentText()
	if err != nil {
		return nil, err
	}
	if err := t.Insert(index, text); err != nil {
		return nil, fmt.Errorf("insert at %d: %w", index, err)
	}
	if _, err := r.doc.Commit("insert"); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return r.updateSince(before)
}

// Delete removes length runes starting at index and returns the resulting
// update.
func (r *Replica) Delete(index, length int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.doc.Heads()
	t, err := r.contentText()
	if err != nil {
		return nil, err
	}
	if err := t.Delete(index, length); err != nil {
		return nil, fmt.Errorf("delete %d at %d: %w", length, index, err)
	}
	if _, err := r.doc.Commit("delete"); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return r.updateSince(before)
}

// ApplyUpdate merges update bytes produced by another replica. Both
// incremental updates and full-state encodings are accepted. Malformed
// bytes return ErrCorruptUpdate and leave the replica unchanged.
// Re-applying an already-seen update is a no-op.
func (r *Replica) ApplyUpdate(update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	return nil
}

// EncodeFullState returns a self-sufficient encoding of the document.
// Loading it into an empty replica reproduces the exact current text.
func (r *Replica) EncodeFullState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// Text returns the materialized document text.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.contentText()
	if err != nil {
		return ""
	}
	s, err := t.Get()
	if err != nil {
		return ""
	}
	return s
}

// Len returns the length of the document text in runes.
func (r *Replica) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.contentText()
	if err != nil {
		return 0
	}
	return t.Len()
}

// contentText resolves the shared text object. The handle is looked up on
// every use rather than cached: a merge can change which object lives at
// the content key, and edits must always target the surviving one.
func (r *Replica) contentText() (*automerge.Text, error) {
	v, err := r.doc.Path(contentKey).Get()
	if err != nil {
		return nil, fmt.Errorf("resolve document text: %w", err)
	}
	if v.Kind() != automerge.KindText {
		return nil, fmt.Errorf("document has no text at %q", contentKey)
	}
	return v.Text(), nil
}

// updateSince serializes every change made after the given heads into one
// update payload.
func (r *Replica) updateSince(heads []automerge.ChangeHash) ([]byte, error) {
	changes, err := r.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("collect changes: %w", err)
	}
	var buf bytes.Buffer
	for _, c := range changes {
		buf.Write(c.Save())
	}
	return buf.Bytes(), nil
}
