// Package seqnum implements wrap-safe ordering over fixed-width sequence
// spaces (§3 "Sequence-space arithmetic", §9).
//
// Never compare two sequence numbers with plain integer comparison: every
// sequence space in this system wraps, and the only correct comparison is
// the signed-difference test below.
package seqnum

// Uint16Older reports whether a is strictly older than b in a 16-bit
// sequence space: a older b <=> (int16)(b-a) > 0.
//
// Used for tun_seq (§4.1) and TCP substream data_seq (§4.6).
func Uint16Older(a, b uint16) bool {
	return int16(b-a) > 0
}

// Uint16OlderOrEqual reports whether a is older than or equal to b.
func Uint16OlderOrEqual(a, b uint16) bool {
	return a == b || Uint16Older(a, b)
}

// Uint32Older reports whether a is strictly older than b in a 32-bit
// sequence space: used for flow-id generation ordering and aggregate
// data_seq when the aggregate space is widened beyond 16 bits.
func Uint32Older(a, b uint32) bool {
	return int32(b-a) > 0
}

// Uint32OlderOrEqual reports whether a is older than or equal to b.
func Uint32OlderOrEqual(a, b uint32) bool {
	return a == b || Uint32Older(a, b)
}

// Uint64Older reports whether a is strictly older than b in a 64-bit
// sequence space: used for the aggregate data_seq when it is not wrapped
// at 16 bits (§3).
func Uint64Older(a, b uint64) bool {
	return int64(b-a) > 0
}

// Uint16Distance returns the forward distance from a to b (b-a) in a
// 16-bit space, i.e. how many steps forward a must take to reach b. The
// result is only meaningful when a is not newer than b.
func Uint16Distance(a, b uint16) uint16 {
	return b - a
}
