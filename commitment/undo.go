package commitment

import "github.com/btcsuite/btcd/wire"

// Undo records how to reverse one batch: which outpoints the batch added
// and which records it spent.  Applying it puts the tree back at the
// root it had before the batch, which is how an abandoned fork gets
// rolled off.
type Undo struct {
	Added   []wire.OutPoint
	Removed []Add
}

// UndoBatch reverses a previously applied batch.  Operations are undone
// in reverse order of application: spends re-inserted, creations
// removed.
func (t *Tree) UndoBatch(u *Undo) (Hash, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.rollback(u)
	return t.nodeAt(0, Hash{}), nil
}

// rollback is the lock-held body shared by UndoBatch and the mid-batch
// failure path of BatchUpdate.
func (t *Tree) rollback(u *Undo) {
	for i := len(u.Removed) - 1; i >= 0; i-- {
		// re-insert spent records; the record came out of this tree so
		// insert can't fail
		t.insert(u.Removed[i].Op, u.Removed[i].Rec)
	}
	for i := len(u.Added) - 1; i >= 0; i-- {
		t.remove(u.Added[i])
	}
	u.Added = u.Added[:0]
	u.Removed = u.Removed[:0]
}
