package report

import "sync"

// FailureSample is a failed job kept for quick diagnosis
type FailureSample struct {
	JobID      string `json:"job_id"`
	Iteration  string `json:"iteration"`
	Role       Role   `json:"role"`
	Name       string `json:"name"`
	Reason     Reason `json:"reason"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	Diagnostic string `json:"job,omitempty"`
}

// FailureLog is a ring buffer of the last N failed jobs
type FailureLog struct {
	samples []FailureSample
	maxSize int
	mu      sync.RWMutex
}

// NewFailureLog creates a failure log with fixed size
func NewFailureLog(maxSize int) *FailureLog {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &FailureLog{
		samples: make([]FailureSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds r if it failed. Nil receivers ignore the call.
func (f *FailureLog) Record(r *Result) {
	if f == nil || r == nil || !r.Failed {
		return
	}

	sample := FailureSample{
		JobID:      r.JobID,
		Iteration:  r.Iteration,
		Role:       r.Role,
		Name:       r.Name,
		Reason:     r.Reason,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		Diagnostic: string(r.Diagnostic),
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.samples) >= f.maxSize {
		f.samples = f.samples[1:]
	}
	f.samples = append(f.samples, sample)
}

// Recent returns up to n failures, newest first
func (f *FailureLog) Recent(n int) []FailureSample {
	if f == nil {
		return []FailureSample{}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.samples) {
		n = len(f.samples)
	}

	result := make([]FailureSample, n)
	for i := 0; i < n; i++ {
		result[i] = f.samples[len(f.samples)-1-i]
	}
	return result
}

// Count returns how many failures are buffered
func (f *FailureLog) Count() int {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.samples)
}
