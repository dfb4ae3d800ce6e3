package record

// Accumulator batches IMU samples into raw records. It is not safe for concurrent
// use; the session manager serializes access.
type Accumulator struct {
	current RawIMURecord
	count   int
}

// Add appends one sample. When the batch is full the completed record is returned
// and a clean batch is started. The returned record has no record number yet.
func (a *Accumulator) Add(timestamp uint64, f RawFrame) (*RawIMURecord, bool) {
	if a.count == 0 {
		a.current.Timestamp = timestamp
	}
	a.current.Frames[a.count] = f
	a.count++

	if a.count < RawFramesPerRecord {
		return nil, false
	}

	done := a.current
	a.Reset()
	return &done, true
}

// Pending returns the number of samples in the incomplete batch
func (a *Accumulator) Pending() int {
	return a.count
}

// Reset discards the incomplete batch
func (a *Accumulator) Reset() {
	a.current = RawIMURecord{}
	a.count = 0
}
