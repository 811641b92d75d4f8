package signal

import "fmt"

// g2Delays is the G2 shift per PRN from IS-GPS-200 (PRN 1..37) extended with
// the delays commonly used for PRN 38..63.
var g2Delays = [...]int{
	5, 6, 7, 8, 17, 18, 139, 140, 141, 251,
	252, 254, 255, 256, 257, 258, 469, 470, 471, 472,
	473, 474, 509, 512, 513, 514, 515, 516, 859, 860,
	861, 862, 863, 950, 947, 948, 950, 67, 103, 91,
	19, 679, 225, 625, 946, 638, 161, 1001, 554, 280,
	710, 709, 775, 864, 558, 220, 397, 55, 898, 759,
	367, 299, 1018,
}

const (
	goldLength   = 1023
	glonassChips = 511
)

// goldCode returns the 1023-chip C/A Gold code of prn as ±1 values, with a
// one bit mapped to +1.
func goldCode(prn int) ([]float64, error) {
	if prn < 1 || prn > len(g2Delays) {
		return nil, fmt.Errorf("no Gold code for PRN %d", prn)
	}

	// Registers hold ±1 with -1 standing for a one bit, so XOR is a product.
	var r1, r2 [10]int8
	for i := range r1 {
		r1[i], r2[i] = -1, -1
	}

	g1 := make([]int8, goldLength)
	g2 := make([]int8, goldLength)
	for i := 0; i < goldLength; i++ {
		g1[i], g2[i] = r1[9], r2[9]
		c1 := r1[2] * r1[9]
		c2 := r2[1] * r2[2] * r2[5] * r2[7] * r2[8] * r2[9]
		copy(r1[1:], r1[:9])
		copy(r2[1:], r2[:9])
		r1[0], r2[0] = c1, c2
	}

	code := make([]float64, goldLength)
	shift := goldLength - g2Delays[prn-1]
	for i := range code {
		code[i] = float64(-g1[i] * g2[(i+shift)%goldLength])
	}
	return code, nil
}

// glonassCode returns the 511-chip GLONASS ranging code (x^9 + x^5 + 1,
// output from the seventh stage) as ±1 values. Every GLONASS satellite
// shares it; they are told apart by frequency.
func glonassCode() []float64 {
	var r [9]int8
	for i := range r {
		r[i] = -1
	}
	code := make([]float64, glonassChips)
	for i := range code {
		code[i] = float64(-r[6])
		fb := r[4] * r[8]
		copy(r[1:], r[:8])
		r[0] = fb
	}
	return code
}
