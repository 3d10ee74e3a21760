package utils

import (
	"golang.org/x/exp/constraints"
)

func AlignTo[T constraints.Unsigned](val, align T) T {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

func IsPowerOfTwo[T constraints.Unsigned](val T) bool {
	return val != 0 && val&(val-1) == 0
}

func SignExtend(val uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// Bits returns val[hi:lo], both ends inclusive.
func Bits[T constraints.Unsigned](val T, hi, lo uint) T {
	return (val >> lo) & (T(1)<<(hi-lo+1) - 1)
}

func IsInt(val int64, bits uint) bool {
	if bits >= 64 {
		return true
	}
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<(bits-1) - 1
	return val >= lo && val <= hi
}

func IsUint(val uint64, bits uint) bool {
	return bits >= 64 || val < uint64(1)<<bits
}

func RemoveIf[T any](elems []T, cond func(T) bool) []T {
	i := 0
	for _, elem := range elems {
		if cond(elem) {
			continue
		}
		elems[i] = elem
		i++
	}
	return elems[:i]
}
