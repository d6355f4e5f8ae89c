// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package amdiommu

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
	"gvisor.dev/amdiommu/pkg/physmem"
)

var errNotCompleted = errors.New("completion wait not reached")

// cmdQueue is the unit command ring. Commands are fetched in order by a
// single goroutine that hands them to the Hardware; completion waits store
// their sequence number once everything queued before them has executed.
//
// Every operation that waits on the hardware is bounded by timeout. Once a
// submission times out the ring is considered stuck and later submissions
// fail immediately.
type cmdQueue struct {
	hw      Hardware
	ring    chan Command
	timeout time.Duration
	done    chan struct{}

	// mu serializes sequence allocation with the enqueue of the matching
	// completion wait, so completions are stored in increasing order.
	mu sync.Mutex

	// +checklocks:mu
	seq uint64

	// completed is the last stored completion wait sequence.
	completed atomic.Uint64

	// submitted counts all queued commands.
	submitted atomic.Uint64

	// stuck is set when the ring stayed full for a whole timeout.
	stuck atomic.Bool
}

func newCmdQueue(hw Hardware, depth int, timeout time.Duration) *cmdQueue {
	q := &cmdQueue{
		hw:      hw,
		ring:    make(chan Command, depth),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *cmdQueue) run() {
	defer close(q.done)
	for cmd := range q.ring {
		q.hw.Execute(cmd)
		if cmd.Opcode() == CmdCompletionWait {
			q.completed.Store(cmd.StoreData())
		}
	}
}

// submit queues cmd, waiting at most the queue timeout for ring space.
func (q *cmdQueue) submit(cmd Command) error {
	if q.stuck.Load() {
		return fmt.Errorf("command ring stuck, dropping %v: %w", cmd, iommuerr.ErrInvalidationTimeout)
	}
	select {
	case q.ring <- cmd:
		q.submitted.Add(1)
		return nil
	default:
	}
	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.ring <- cmd:
		q.submitted.Add(1)
		return nil
	case <-t.C:
		q.stuck.Store(true)
		return fmt.Errorf("command ring full for %v, dropping %v: %w", q.timeout, cmd, iommuerr.ErrInvalidationTimeout)
	}
}

// submitAll queues cmds in order, stopping at the first failure.
func (q *cmdQueue) submitAll(cmds []Command) error {
	for _, cmd := range cmds {
		if err := q.submit(cmd); err != nil {
			return err
		}
	}
	return nil
}

// pageInvalidations returns the commands invalidating [start, start+size),
// split into naturally aligned power of two chunks. A chunk of 2^k bytes with
// k > 12 is encoded with the size bit set and address bits 12 through k-2
// set.
func pageInvalidations(domid uint16, start, size uint64) []Command {
	var cmds []Command
	end := start + size
	for start < end {
		chunk := uint64(1) << bits.TrailingZeros64(start|(1<<63))
		for chunk > end-start {
			chunk >>= 1
		}
		if chunk <= physmem.PageSize {
			cmds = append(cmds, invalidatePagesCmd(domid, start, false))
			chunk = physmem.PageSize
		} else {
			cmds = append(cmds, invalidatePagesCmd(domid, start|((chunk/2-1)&^0xfff), true))
		}
		start += chunk
	}
	return cmds
}

// sync queues a completion wait and returns its sequence number.
func (q *cmdQueue) sync() (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.submit(completionWaitCmd(q.seq + 1)); err != nil {
		return 0, err
	}
	q.seq++
	return q.seq, nil
}

// flush queues cmds and a completion wait, and waits for it.
func (q *cmdQueue) flush(cmds []Command) error {
	if err := q.submitAll(cmds); err != nil {
		return err
	}
	seq, err := q.sync()
	if err != nil {
		return err
	}
	return q.wait(seq)
}

// wait polls until the completion wait seq has been stored, giving up after
// the queue timeout.
func (q *cmdQueue) wait(seq uint64) error {
	if q.completed.Load() >= seq {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = q.timeout
	op := func() error {
		if q.completed.Load() >= seq {
			return nil
		}
		return errNotCompleted
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("completion wait %d, last completed %d: %w", seq, q.completed.Load(), iommuerr.ErrInvalidationTimeout)
	}
	return nil
}

// close stops the queue. Queued commands are given the queue timeout to
// execute; if the hardware does not drain them the fetch goroutine is left
// blocked in Execute and close returns false.
func (q *cmdQueue) close() bool {
	close(q.ring)
	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case <-q.done:
		return true
	case <-t.C:
		return false
	}
}
