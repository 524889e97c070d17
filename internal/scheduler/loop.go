package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// PassFunc runs one full eligibility/dispatch pass. Errors are logged and
// the loop continues on schedule; a failing pass never stops the loop.
type PassFunc func(ctx context.Context) error

// Loop is the long-running control loop. Inside the business-hours window
// it triggers a pass and reschedules after Interval; outside the window it
// sleeps until the window next opens. Stop prevents further ticks and
// drains the in-flight pass up to DrainTimeout before cancelling it.
type Loop struct {
	hours    Hours
	interval time.Duration
	pass     PassFunc

	// DrainTimeout bounds how long Stop waits for an in-flight pass.
	DrainTimeout time.Duration

	loopCtx    context.Context
	stopTicks  context.CancelFunc
	passCtx    context.Context
	cancelPass context.CancelFunc

	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewLoop creates a control loop over the given window and pass interval.
func NewLoop(hours Hours, interval time.Duration, pass PassFunc) *Loop {
	return &Loop{
		hours:        hours,
		interval:     interval,
		pass:         pass,
		DrainTimeout: 30 * time.Second,
	}
}

// Start launches the loop. The first pass runs immediately when inside the
// window. Calling Start on a running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.loopCtx, l.stopTicks = context.WithCancel(context.Background())
	l.passCtx, l.cancelPass = context.WithCancel(context.Background())
	l.mu.Unlock()

	log.Printf("[Scheduler] Starting: window %02d:00-%02d:00 %s, interval %v",
		l.hours.StartHour, l.hours.EndHour, l.hours.Location, l.interval)

	l.wg.Add(1)
	go l.run()
}

// Stop prevents further ticks, then waits for any in-flight pass to drain.
// After DrainTimeout the pass context is cancelled and Stop returns once
// the pass unwinds.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	l.mu.Unlock()

	log.Println("[Scheduler] Stopping, draining in-flight pass...")
	l.stopTicks()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(l.DrainTimeout):
		log.Println("[Scheduler] Drain timeout, cancelling in-flight pass")
		l.cancelPass()
		<-done
	}
	l.cancelPass()
	log.Println("[Scheduler] Stopped")
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		now := time.Now()
		var wait time.Duration
		if l.hours.Contains(now) {
			l.runPass()
			wait = l.interval
			log.Printf("[Scheduler] Next pass in %v", wait)
		} else {
			next := l.hours.NextOpen(now)
			wait = time.Until(next)
			log.Printf("[Scheduler] Outside business hours, next pass at %s", next.Format(time.RFC1123))
		}

		timer := time.NewTimer(wait)
		select {
		case <-l.loopCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) runPass() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] Pass panicked: %v", r)
		}
	}()

	if err := l.pass(l.passCtx); err != nil {
		log.Printf("[Scheduler] Pass failed: %v", err)
	}
}
