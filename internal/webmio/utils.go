package webmio

func pack(n int, b []byte) uint64 {
	var v uint64
	var k uint64 = (uint64(n) - 1) * 8

	for i := 0; i < n; i++ {
		v |= uint64(b[i]) << k
		k -= 8
	}

	return v
}

func unpack(n int, v uint64) []byte {
	b := make([]byte, n)

	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}

	return b
}
