// Package progress turns per-frame counts into a bounded, monotonic
// completion fraction and fans it out to whoever displays it.
package progress

import "sync"

// Reporter receives per-frame progress. Clear hides the indicator.
type Reporter interface {
	Report(processed, total int)
	Clear()
}

// Snapshot is the last state a Tracker published.
type Snapshot struct {
	Processed     int     `json:"processed"`
	Total         int     `json:"total"`
	Fraction      float64 `json:"fraction"`
	Indeterminate bool    `json:"indeterminate"`
	Visible       bool    `json:"visible"`
}

// Percent is the fraction as a whole percentage.
func (s Snapshot) Percent() int {
	return int(s.Fraction * 100)
}

// Fraction returns processed/total clamped to [0, 1]. A non-positive total
// yields 0 and reports the progress as indeterminate.
func Fraction(processed, total int) (float64, bool) {
	if total <= 0 {
		return 0, true
	}
	if processed <= 0 {
		return 0, false
	}
	if processed >= total {
		return 1, false
	}
	return float64(processed) / float64(total), false
}

// Tracker normalizes reports and forwards them downstream. Reports that
// would move the fraction backwards are dropped.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
	next []Reporter
}

// NewTracker creates a Tracker forwarding to next.
func NewTracker(next ...Reporter) *Tracker {
	return &Tracker{next: next}
}

func (t *Tracker) Report(processed, total int) {
	fraction, indeterminate := Fraction(processed, total)

	t.mu.Lock()
	if t.snap.Visible && processed < t.snap.Processed {
		t.mu.Unlock()
		return
	}
	if !indeterminate && processed > total {
		processed = total
	}
	t.snap = Snapshot{
		Processed:     processed,
		Total:         total,
		Fraction:      fraction,
		Indeterminate: indeterminate,
		Visible:       true,
	}
	next := t.next
	t.mu.Unlock()

	for _, r := range next {
		r.Report(processed, total)
	}
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.snap.Visible = false
	next := t.next
	t.mu.Unlock()

	for _, r := range next {
		r.Clear()
	}
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Recorder keeps every report it receives.
type Recorder struct {
	mu      sync.Mutex
	reports []Snapshot
	clears  int
}

func (r *Recorder) Report(processed, total int) {
	fraction, indeterminate := Fraction(processed, total)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, Snapshot{
		Processed:     processed,
		Total:         total,
		Fraction:      fraction,
		Indeterminate: indeterminate,
		Visible:       true,
	})
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
}

// Reports returns a copy of the recorded reports.
func (r *Recorder) Reports() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.reports...)
}

// Clears returns how many times Clear was called.
func (r *Recorder) Clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clears
}

// Nop discards all progress.
type Nop struct{}

func (Nop) Report(int, int) {}
func (Nop) Clear()          {}
