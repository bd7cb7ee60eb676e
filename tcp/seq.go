package tcp

// 32-bit TCP sequence numbers wrap around; comparisons must be done modulo
// 2^32 rather than as plain unsigned comparisons. Grounded on TCP.CPP's
// seqWithinWindow helpers and RFC793 §3.3's SEG.SEQ arithmetic.

// seqLess reports whether a comes strictly before b in sequence space.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLessEq reports whether a comes at or before b in sequence space.
func seqLessEq(a, b uint32) bool {
	return int32(a-b) <= 0
}

// seqGreater reports whether a comes strictly after b in sequence space.
func seqGreater(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqGreaterEq reports whether a comes at or after b in sequence space.
func seqGreaterEq(a, b uint32) bool {
	return int32(a-b) >= 0
}

// seqInWindow reports whether seq falls within [start, start+size).
func seqInWindow(seq, start uint32, size uint32) bool {
	return seqGreaterEq(seq, start) && seqLess(seq, start+size)
}
