package transfer

import (
	"errors"
	"time"
)

// errCancelled ends a chunk loop after the task's cancel flag was set.
var errCancelled = errors.New("transfer: cancelled")

// stepFunc moves one unit of work. It returns the bytes newly accounted and
// whether the stream is finished.
type stepFunc func() (n int64, done bool, err error)

// chunkLoop is the one streaming loop shared by both roles.
type chunkLoop struct {
	task *Task
	step stepFunc
	// holdWhilePaused stops calling step while paused. Senders hold; receivers
	// keep draining what is already in flight.
	holdWhilePaused bool
}

func (m *Manager) runLoop(loop chunkLoop) error {
	meter := newRateMeter(loop.task.bytesDone())
	lastEmit := time.Time{}

	for {
		if loop.task.isCancelled() {
			return errCancelled
		}
		if loop.holdWhilePaused && loop.task.isPaused() {
			meter.reset(loop.task.bytesDone())
			if !m.sleep(m.opts.PausePoll) {
				return ErrClosed
			}
			continue
		}

		n, done, err := loop.step()
		if err != nil {
			return err
		}
		if n > 0 || done {
			total := loop.task.bytesDone()
			meter.observe(total)
			if done || time.Since(lastEmit) >= m.opts.ProgressInterval {
				lastEmit = time.Now()
				m.emitProgress(loop.task, meter.rate())
			}
		}
		if done {
			return nil
		}
	}
}

// sleep waits d unless the manager closes first.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// rateMeter estimates throughput over a sliding window of about one second.
type rateMeter struct {
	windowStart time.Time
	windowBytes int64
	lastTotal   int64
	last        float64
}

func newRateMeter(start int64) *rateMeter {
	return &rateMeter{windowStart: time.Now(), lastTotal: start}
}

func (r *rateMeter) reset(total int64) {
	r.windowStart = time.Now()
	r.windowBytes = 0
	r.lastTotal = total
	r.last = 0
}

func (r *rateMeter) observe(total int64) {
	if total > r.lastTotal {
		r.windowBytes += total - r.lastTotal
	}
	r.lastTotal = total

	elapsed := time.Since(r.windowStart)
	if elapsed >= 100*time.Millisecond {
		r.last = float64(r.windowBytes) / elapsed.Seconds()
	}
	if elapsed >= time.Second {
		r.windowStart = time.Now()
		r.windowBytes = 0
	}
}

func (r *rateMeter) rate() float64 {
	if r.last == 0 {
		elapsed := time.Since(r.windowStart).Seconds()
		if elapsed > 0 && r.windowBytes > 0 {
			return float64(r.windowBytes) / elapsed
		}
	}
	return r.last
}
