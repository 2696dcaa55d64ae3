// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

const (
	bucketSize = 4
	maxKicks   = 500
	// load factor above which the table is doubled at construction
	maxLoadFactor = 0.96
)

type victim struct {
	index uint64
	fp    uint16
	used  bool
}

// Filter is a cuckoo filter with four fingerprints per bucket and partial-key
// cuckoo hashing. It has no false negatives. The fingerprint width is chosen
// so that the false positive rate at full load stays below the requested rate.
//
// Filter is not safe for concurrent use.
type Filter struct {
	buckets [][bucketSize]uint16
	mask    uint64
	fpBits  uint
	fpMask  uint16
	count   int
	victim  victim
	rnd     *rand.Rand
}

// NewFilter returns a filter for capacity items with the target false
// positive rate fpRate.
func NewFilter(capacity int, fpRate float64) (*Filter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("filter capacity must be > 0, got %d", capacity)
	}
	if fpRate <= 0 || fpRate >= 1 {
		return nil, fmt.Errorf("filter false positive rate must be in (0,1), got %v", fpRate)
	}

	// a lookup compares against 2 buckets of 4 fingerprints: rate <= 8/2^f
	fpBits := uint(math.Ceil(math.Log2(2 * bucketSize / fpRate)))
	if fpBits < 4 {
		fpBits = 4
	}
	if fpBits > 16 {
		return nil, fmt.Errorf("filter false positive rate %v needs more than 16 fingerprint bits", fpRate)
	}

	numBuckets := nextPowerOfTwo(uint64(math.Ceil(float64(capacity) / bucketSize)))
	if float64(capacity)/float64(numBuckets*bucketSize) > maxLoadFactor {
		numBuckets <<= 1
	}

	return &Filter{
		buckets: make([][bucketSize]uint16, numBuckets),
		mask:    numBuckets - 1,
		fpBits:  fpBits,
		fpMask:  uint16((1 << fpBits) - 1),
		rnd:     rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

func nextPowerOfTwo(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (f *Filter) indexAndFingerprint(item []byte) (uint64, uint16) {
	sum := sha256.Sum256(item)
	index := binary.BigEndian.Uint64(sum[0:8]) & f.mask
	fp := binary.BigEndian.Uint16(sum[8:10]) & f.fpMask
	if fp == 0 {
		// zero marks an empty slot
		fp = 1
	}
	return index, fp
}

// altIndex is an involution: altIndex(altIndex(i, fp), fp) == i
func (f *Filter) altIndex(index uint64, fp uint16) uint64 {
	return (index ^ (uint64(fp) * 0x5bd1e995)) & f.mask
}

func (f *Filter) insertInto(index uint64, fp uint16) bool {
	b := &f.buckets[index]
	for i := range b {
		if b[i] == 0 {
			b[i] = fp
			return true
		}
	}
	return false
}

func (f *Filter) contains(index uint64, fp uint16) bool {
	b := &f.buckets[index]
	for i := range b {
		if b[i] == fp {
			return true
		}
	}
	return false
}

func (f *Filter) remove(index uint64, fp uint16) bool {
	b := &f.buckets[index]
	for i := range b {
		if b[i] == fp {
			b[i] = 0
			return true
		}
	}
	return false
}

// Insert adds item to the filter. It returns false if the filter is full.
//
// When the relocation chain gets too long, the last homeless fingerprint is
// parked in a victim slot. The filter accepts no further items from then on,
// which keeps every inserted item findable.
func (f *Filter) Insert(item []byte) bool {
	if f.victim.used {
		return false
	}
	i1, fp := f.indexAndFingerprint(item)
	i2 := f.altIndex(i1, fp)
	if f.insertInto(i1, fp) || f.insertInto(i2, fp) {
		f.count++
		return true
	}

	index := i1
	if f.rnd.Intn(2) == 1 {
		index = i2
	}
	for k := 0; k < maxKicks; k++ {
		slot := f.rnd.Intn(bucketSize)
		fp, f.buckets[index][slot] = f.buckets[index][slot], fp
		index = f.altIndex(index, fp)
		if f.insertInto(index, fp) {
			f.count++
			return true
		}
	}
	f.victim = victim{index: index, fp: fp, used: true}
	f.count++
	return true
}

// Lookup returns true if item may be in the filter. Items that were
// inserted are always found.
func (f *Filter) Lookup(item []byte) bool {
	i1, fp := f.indexAndFingerprint(item)
	i2 := f.altIndex(i1, fp)
	if f.victim.used && f.victim.fp == fp && (f.victim.index == i1 || f.victim.index == i2) {
		return true
	}
	return f.contains(i1, fp) || f.contains(i2, fp)
}

// Delete removes one copy of item. It must only be called for items which
// were inserted before, otherwise it may remove a colliding fingerprint.
func (f *Filter) Delete(item []byte) bool {
	i1, fp := f.indexAndFingerprint(item)
	i2 := f.altIndex(i1, fp)
	if f.remove(i1, fp) || f.remove(i2, fp) {
		f.count--
		f.reinsertVictim()
		return true
	}
	if f.victim.used && f.victim.fp == fp && (f.victim.index == i1 || f.victim.index == i2) {
		f.victim = victim{}
		f.count--
		return true
	}
	return false
}

func (f *Filter) reinsertVictim() {
	if !f.victim.used {
		return
	}
	v := f.victim
	f.victim = victim{}
	if f.insertInto(v.index, v.fp) || f.insertInto(f.altIndex(v.index, v.fp), v.fp) {
		return
	}
	f.victim = v
}

// Count returns the number of items in the filter
func (f *Filter) Count() int {
	return f.count
}

// Capacity returns the number of fingerprint slots
func (f *Filter) Capacity() int {
	return len(f.buckets) * bucketSize
}

// FingerprintBits returns the width of a fingerprint
func (f *Filter) FingerprintBits() uint {
	return f.fpBits
}

// Full returns true once the filter rejects insertions
func (f *Filter) Full() bool {
	return f.victim.used
}
