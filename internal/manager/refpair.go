package manager

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/moolen/scr/internal/framework"
)

// RefPair is a tracked service reference together with the service object
// obtained for it, if any.
type RefPair struct {
	ref framework.ServiceReference

	mu      sync.Mutex
	service interface{}
	// failed stays set until a get succeeds
	failed bool

	deleted atomic.Bool
}

func newRefPair(ref framework.ServiceReference) *RefPair {
	return &RefPair{ref: ref}
}

func (rp *RefPair) Ref() framework.ServiceReference {
	return rp.ref
}

// Service returns the realized service object or nil.
func (rp *RefPair) Service() interface{} {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.service
}

// setServiceObject stores svc unless another object is already stored.
func (rp *RefPair) setServiceObject(svc interface{}) bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if svc != nil {
		rp.failed = false
	}
	if rp.service != nil {
		return false
	}
	rp.service = svc
	return true
}

func (rp *RefPair) unsetServiceObject() interface{} {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	svc := rp.service
	rp.service = nil
	return svc
}

func (rp *RefPair) setFailed() {
	rp.mu.Lock()
	rp.failed = true
	rp.mu.Unlock()
}

func (rp *RefPair) isFailed() bool {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return rp.failed
}

func (rp *RefPair) markDeleted() {
	rp.deleted.Store(true)
}

func (rp *RefPair) isDeleted() bool {
	return rp.deleted.Load()
}

func (rp *RefPair) String() string {
	if rp == nil {
		return "RefPair[nil]"
	}
	return fmt.Sprintf("RefPair[service.id=%d, failed=%t, deleted=%t]", rp.ref.ID(), rp.isFailed(), rp.isDeleted())
}

func sameRef(rp *RefPair, ref framework.ServiceReference) bool {
	return rp != nil && ref != nil && rp.ref.ID() == ref.ID()
}
