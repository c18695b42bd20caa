package nodeid

// Metric is the byte-wise XOR distance between two ids.
type Metric [Len]byte

func Distance(a, b ID) (out Metric) {
	for i := 0; i < Len; i++ {
		out[i] = a[i] ^ b[i]
	}
	return
}

// Less reports whether m is strictly closer than o.
func (m Metric) Less(o Metric) bool {
	for i := 0; i < Len; i++ {
		if m[i] != o[i] {
			return m[i] < o[i]
		}
	}
	return false
}

// Bucket is the index of the highest set bit of the XOR distance,
// scanning MSB-first. Identical ids land in bucket 0.
func Bucket(a, b ID) int {
	m := Distance(a, b)
	for i := 0; i < BitLen; i++ {
		if m[i/8]&(1<<(7-i%8)) != 0 {
			return BitLen - i - 1
		}
	}
	return 0
}
