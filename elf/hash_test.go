package elf

import "testing"

func TestHashFunctions(t *testing.T) {
	if got := elfHash(""); got != 0 {
		t.Errorf("elfHash(\"\") = %#x", got)
	}
	if got := elfHash("a"); got != 0x61 {
		t.Errorf("elfHash(a) = %#x", got)
	}
	if got := elfHash("ab"); got != 0x61<<4+0x62 {
		t.Errorf("elfHash(ab) = %#x", got)
	}
	if got := gnuHash(""); got != 5381 {
		t.Errorf("gnuHash(\"\") = %d", got)
	}
	if got := gnuHash("a"); got != 5381*33+97 {
		t.Errorf("gnuHash(a) = %d", got)
	}
}

func TestHashBuckets(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 2: 1, 3: 3, 16: 3, 17: 17, 40: 37, 100000: 32771}
	for n, want := range cases {
		if got := hashBuckets(n); got != want {
			t.Errorf("hashBuckets(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestSysvHashLookup(t *testing.T) {
	names := []string{"", "environ", "puts", "__start", "T1", "_gp_disp", "printf", "D1", "foo", "bar", "baz", "qux", "quux", "corge", "grault", "garply", "waldo", "fred", "plugh"}
	buckets, chains := SysvHash(names)
	if len(chains) != len(names) {
		t.Fatalf("chains = %d, want %d", len(chains), len(names))
	}
	for want, name := range names[1:] {
		want++
		found := false
		for idx := buckets[elfHash(name)%uint32(len(buckets))]; idx != 0; idx = chains[idx] {
			if names[idx] == name {
				found = int(idx) == want
				break
			}
		}
		if !found {
			t.Errorf("%s not reachable through its bucket", name)
		}
	}
}
