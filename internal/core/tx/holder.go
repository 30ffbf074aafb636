package tx

import (
	"time"

	"localtx/internal/core/apperror"
)

// ResourceHolder wraps one native resource together with its transaction state.
//
// The reference count tracks how many accessors in the same context currently
// use the resource. It never enables sharing across goroutines.
type ResourceHolder struct {
	resource Resource

	synchronizedWithTransaction bool
	transactionActive           bool
	rollbackOnly                bool
	deadline                    time.Time
	referenceCount              int
	void                        bool

	now func() time.Time
}

// NewResourceHolder wraps res. The holder is not yet synchronized with a transaction.
func NewResourceHolder(res Resource) *ResourceHolder {
	return &ResourceHolder{resource: res, now: time.Now}
}

// Resource returns the wrapped native resource.
func (h *ResourceHolder) Resource() Resource { return h.resource }

// HasResource reports whether a native resource is attached.
func (h *ResourceHolder) HasResource() bool { return h.resource != nil }

func (h *ResourceHolder) SetSynchronizedWithTransaction(v bool) { h.synchronizedWithTransaction = v }

// IsSynchronizedWithTransaction reports whether accessors must leave completion to the coordinator.
func (h *ResourceHolder) IsSynchronizedWithTransaction() bool { return h.synchronizedWithTransaction }

func (h *ResourceHolder) SetTransactionActive(v bool) { h.transactionActive = v }

func (h *ResourceHolder) IsTransactionActive() bool { return h.transactionActive }

// SetRollbackOnly marks the shared transaction so that it can only roll back.
func (h *ResourceHolder) SetRollbackOnly() { h.rollbackOnly = true }

func (h *ResourceHolder) ResetRollbackOnly() { h.rollbackOnly = false }

func (h *ResourceHolder) IsRollbackOnly() bool { return h.rollbackOnly }

// SetTimeout sets the deadline to now + timeout.
func (h *ResourceHolder) SetTimeout(timeout time.Duration) {
	h.deadline = h.clock()().Add(timeout)
}

func (h *ResourceHolder) SetDeadline(deadline time.Time) { h.deadline = deadline }

// Deadline returns the deadline and whether one is set.
func (h *ResourceHolder) Deadline() (time.Time, bool) {
	return h.deadline, !h.deadline.IsZero()
}

func (h *ResourceHolder) HasTimeout() bool { return !h.deadline.IsZero() }

// TimeToLive returns the time left before the deadline. When the deadline has
// passed the holder becomes rollback-only and a TransactionTimedOut error is returned.
// Without a deadline it returns zero and no error.
func (h *ResourceHolder) TimeToLive() (time.Duration, error) {
	if h.deadline.IsZero() {
		return 0, nil
	}
	left := h.deadline.Sub(h.clock()())
	if left <= 0 {
		h.rollbackOnly = true
		return 0, apperror.NewTimedOut(h.deadline)
	}
	return left, nil
}

// CheckDeadline fails with TransactionTimedOut when the deadline has passed.
func (h *ResourceHolder) CheckDeadline() error {
	_, err := h.TimeToLive()
	return err
}

// Requested increments the reference count.
func (h *ResourceHolder) Requested() { h.referenceCount++ }

// Released decrements the reference count.
func (h *ResourceHolder) Released() {
	if h.referenceCount > 0 {
		h.referenceCount--
	}
}

// IsOpen reports whether any accessor still references the resource.
func (h *ResourceHolder) IsOpen() bool { return h.referenceCount > 0 }

func (h *ResourceHolder) ReferenceCount() int { return h.referenceCount }

// Clear resets the transactional state but keeps the reference count.
func (h *ResourceHolder) Clear() {
	h.synchronizedWithTransaction = false
	h.transactionActive = false
	h.rollbackOnly = false
	h.deadline = time.Time{}
}

// Reset clears the transactional state and the reference count.
func (h *ResourceHolder) Reset() {
	h.Clear()
	h.referenceCount = 0
}

// Unbound marks the holder as removed from its registry.
func (h *ResourceHolder) Unbound() { h.void = true }

// IsVoid reports whether the holder was unbound and must not be reused.
func (h *ResourceHolder) IsVoid() bool { return h.void }

func (h *ResourceHolder) clock() func() time.Time {
	if h.now == nil {
		return time.Now
	}
	return h.now
}
