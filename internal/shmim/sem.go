package shmim

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The semaphore array is a set of futex words in the shared mapping. Post
// increments a word and wakes one waiter; Wait consumes one count, sleeping
// on the futex while the word is zero. The words are shared between
// processes, so the futex calls must not use FUTEX_PRIVATE_FLAG.

// ErrWaitTimeout is returned by Wait when the timeout expires with no post.
var ErrWaitTimeout = errors.New("shmim: semaphore wait timed out")

// Futex operation codes from <linux/futex.h>. x/sys/unix provides the
// syscall number but not these.
const (
	futexOpWait = 0
	futexOpWake = 1
)

func futexWait(addr *uint32, val uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexOpWait, uintptr(val),
		uintptr(unsafe.Pointer(ts)), 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR && errno != unix.ETIMEDOUT {
		return fmt.Errorf("shmim: futex wait: %w", errno)
	}
	return nil
}

func futexWake(addr *uint32, n int) {
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexOpWake, uintptr(n),
		0, 0, 0)
}

// Post increments semaphore i and wakes one waiter.
func (s *Stream) Post(i int) {
	if i < 0 || i >= len(s.sems) {
		return
	}
	atomic.AddUint32(s.sems[i], 1)
	futexWake(s.sems[i], 1)
}

// PostAll increments every semaphore, waking every registered waiter.
// Called after a frame write completes.
func (s *Stream) PostAll() {
	for i := range s.sems {
		atomic.AddUint32(s.sems[i], 1)
		futexWake(s.sems[i], 1)
	}
}

// Wait consumes one count from semaphore i, blocking up to timeout.
// A timeout of 0 means wait forever.
func (s *Stream) Wait(i int, timeout time.Duration) error {
	if i < 0 || i >= len(s.sems) {
		return fmt.Errorf("shmim: no semaphore %d", i)
	}
	w := s.sems[i]
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		v := atomic.LoadUint32(w)
		if v > 0 {
			if atomic.CompareAndSwapUint32(w, v, v-1) {
				return nil
			}
			continue
		}
		remain := time.Duration(0)
		if !deadline.IsZero() {
			remain = time.Until(deadline)
			if remain <= 0 {
				return ErrWaitTimeout
			}
		}
		if err := futexWait(w, 0, remain); err != nil {
			return err
		}
	}
}
