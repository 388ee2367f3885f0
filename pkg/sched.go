package protocol

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrInterrupted is returned by a blocking user command whose wait was cut
// short by the process-wide interrupt broadcast.
var ErrInterrupted = errors.New("interrupted")

var errCtxBusy = errors.New("wait context busy")

// schedCtx is the per-PCB wait context: a condition variable coupled to
// the stack mutex, plus an interrupt flag that stays set until the last
// interrupted waiter has observed it.
type schedCtx struct {
	cond        *sync.Cond
	interrupted bool
	wc          int // number of threads currently sleeping on cond
}

func (ctx *schedCtx) init(l sync.Locker) {
	ctx.cond = sync.NewCond(l)
	ctx.interrupted = false
	ctx.wc = 0
}

// sleep atomically releases the stack mutex until a wakeup or interrupt,
// reacquiring it before returning. Caller must hold the mutex.
func (ctx *schedCtx) sleep() error {
	if ctx.interrupted {
		return ErrInterrupted
	}
	ctx.wc++
	ctx.cond.Wait()
	ctx.wc--
	if ctx.interrupted {
		if ctx.wc == 0 {
			ctx.interrupted = false
		}
		return ErrInterrupted
	}
	return nil
}

// wakeup wakes all waiters on the context. Caller must hold the mutex.
func (ctx *schedCtx) wakeup() {
	ctx.cond.Broadcast()
}

// interrupt makes every sleep in progress fail with ErrInterrupted; the
// flag clears when the last of those sleepers returns. With no sleeper
// present the flag stays set, and every later sleep fails at once.
// Caller must hold the mutex.
func (ctx *schedCtx) interrupt() {
	ctx.interrupted = true
	ctx.cond.Broadcast()
}

// destroy refuses while a waiter is still sleeping, mirroring
// pthread_cond_destroy returning EBUSY. The releaser is expected to wake
// the waiters instead and let the last of them finish the teardown.
func (ctx *schedCtx) destroy() error {
	if ctx.wc > 0 {
		return errCtxBusy
	}
	return nil
}
