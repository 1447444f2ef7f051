package coach

import (
	"sync"
	"time"
)

// SilenceDetector ends a call after a quiet period. Each utterance end
// arms a timer; any new speech disarms it.
type SilenceDetector struct {
	timeout   time.Duration
	mu        sync.Mutex
	timer     *time.Timer
	onCallEnd func()
}

func NewSilenceDetector(timeout time.Duration) *SilenceDetector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SilenceDetector{timeout: timeout}
}

func (d *SilenceDetector) OnCallEnd(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCallEnd = callback
}

func (d *SilenceDetector) OnSpeech() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *SilenceDetector) OnUtteranceEnd() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		callback := d.onCallEnd
		d.timer = nil
		d.mu.Unlock()

		if callback != nil {
			callback()
		}
	})
}

// Stop disarms any pending timer. Used during shutdown.
func (d *SilenceDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
