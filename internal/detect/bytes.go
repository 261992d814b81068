package detect

// expandBytes decomposes a MemoryAccess into its per-byte addresses and
// values, per §6: for an N-byte access at base address, byte t (measured as
// an offset from the base, 0 ≤ t < N) lands at address+t and carries
// (value >> (t*8)) & 0xff. The spec phrases this as a descending walk from
// address+N-1 down to address extracting the most-significant byte first,
// but the two descriptions produce the same address→value mapping
// regardless of iteration order, since every address in the range is
// visited exactly once either way.
func expandBytes(addr, value uint32, sizeBits uint8, fn func(address uint32, b byte)) {
	n := int(sizeBits) / 8
	for t := 0; t < n; t++ {
		b := byte(value >> (uint(t) * 8))
		fn(addr+uint32(t), b)
	}
}
