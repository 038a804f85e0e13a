package shmem

// Reset rewinds head/tail/lastConsumed to zero. Used by the parent before
// respawning a child under either the Restart or the Retry exit strategy;
// on Restart the unconsumed inputs are thereby discarded, on Retry the
// parent re-stages them from its backlog after the reset.
func (r *Ring) Reset() {
	r.setHead(0)
	r.setTail(0)
	r.MarkConsumed(0)
}
