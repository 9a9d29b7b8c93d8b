package engine

// SeqGen hands out per-channel sequence numbers (message ids, TSNs). It is
// owned by the engine loop, so it needs no synchronisation.
type SeqGen struct {
	val uint32
}

// NewSeqGen creates a new sequence generator starting at 0.
// The first call to Next() returns 1.
func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	s.val++
	return s.val
}

// Last returns the most recently issued number, or 0 if none.
func (s *SeqGen) Last() uint32 {
	return s.val
}
