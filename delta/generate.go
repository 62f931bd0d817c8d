package delta

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

// Generate computes a delta which reconstructs target from base.
func Generate(base, target []byte, o *Options) *Info {
	oo := o.norm()

	var ctrl, diff, extra []byte
	var tmp [binary.MaxVarintLen64]byte

	emit := func(x, y, z int) {
		n := binary.PutUvarint(tmp[:], uint64(x))
		ctrl = append(ctrl, tmp[:n]...)
		n = binary.PutUvarint(tmp[:], uint64(y))
		ctrl = append(ctrl, tmp[:n]...)
		n = binary.PutVarint(tmp[:], int64(z))
		ctrl = append(ctrl, tmp[:n]...)
	}

	if len(base) == 0 {
		if len(target) != 0 {
			emit(0, len(target), 0)
			extra = append(extra, target...)
		}
	} else {
		m := &matcher{old: base, new: target, sa: suffixArray(base)}
		m.run(func(lastScan, lastPos, lenf, extraLen, seek int) {
			for i := 0; i < lenf; i++ {
				diff = append(diff, target[lastScan+i]-base[lastPos+i])
			}
			extra = append(extra, target[lastScan+lenf:lastScan+lenf+extraLen]...)
			emit(lenf, extraLen, seek)
		})
	}

	body := make([]byte, 0, len(ctrl)+len(diff)+len(extra)+2*binary.MaxVarintLen64)
	body = appendUvarint(body, uint64(len(ctrl)))
	body = append(body, ctrl...)
	body = appendUvarint(body, uint64(len(diff)))
	body = append(body, diff...)
	body = append(body, extra...)

	flag := byte(bodyNoCompression)
	if oo.Compression == SnappyCompression {
		if snp := snappy.Encode(nil, body); len(snp) < len(body)-len(body)/4 {
			body, flag = snp, bodySnappyCompression
		}
	}

	data := make([]byte, 0, len(magic)+1+3*binary.MaxVarintLen64+16+len(body))
	data = append(data, magic...)
	data = append(data, flag)
	data = appendVarint(data, oo.Timestamp)
	data = appendUvarint(data, uint64(len(base)))
	data = binary.LittleEndian.AppendUint64(data, xxhash.Sum64(base))
	data = appendUvarint(data, uint64(len(target)))
	data = binary.LittleEndian.AppendUint64(data, xxhash.Sum64(target))
	data = append(data, body...)

	return &Info{
		Data:         data,
		Timestamp:    oo.Timestamp,
		OriginalSize: len(target),
		DeltaSize:    len(data),
		Savings:      CalculateSavings(len(target), len(data)),
	}
}

// --------------------------------------------------------------------

// matcher finds approximate matches of new within old.
type matcher struct {
	old, new []byte
	sa       []int
}

// run calls fn for every control triple, passing the start positions in new
// and old, the diff length, the extra length and the seek offset.
func (m *matcher) run(fn func(lastScan, lastPos, lenf, extraLen, seek int)) {
	old, new := m.old, m.new
	oldSize, newSize := len(old), len(new)

	var scan, pos, n int
	var lastScan, lastPos, lastOffset int

	for scan < newSize {
		oldScore := 0
		scan += n
		for scsc := scan; scan < newSize; scan++ {
			pos, n = m.search(new[scan:])

			for ; scsc < scan+n; scsc++ {
				if scsc+lastOffset < oldSize && old[scsc+lastOffset] == new[scsc] {
					oldScore++
				}
			}
			if (n == oldScore && n != 0) || n > oldScore+8 {
				break
			}
			if scan+lastOffset < oldSize && old[scan+lastOffset] == new[scan] {
				oldScore--
			}
		}

		if n == oldScore && scan != newSize {
			continue
		}

		// extend forwards from the last match
		var s, sf, lenf int
		for i := 0; lastScan+i < scan && lastPos+i < oldSize; {
			if old[lastPos+i] == new[lastScan+i] {
				s++
			}
			i++
			if s*2-i > sf*2-lenf {
				sf, lenf = s, i
			}
		}

		// extend backwards from the next match
		lenb := 0
		if scan < newSize {
			var sb int
			s = 0
			for i := 1; scan >= lastScan+i && pos >= i; i++ {
				if old[pos-i] == new[scan-i] {
					s++
				}
				if s*2-i > sb*2-lenb {
					sb, lenb = s, i
				}
			}
		}

		// resolve overlap
		if lastScan+lenf > scan-lenb {
			overlap := (lastScan + lenf) - (scan - lenb)
			var ss, lens int
			s = 0
			for i := 0; i < overlap; i++ {
				if new[lastScan+lenf-overlap+i] == old[lastPos+lenf-overlap+i] {
					s++
				}
				if new[scan-lenb+i] == old[pos-lenb+i] {
					s--
				}
				if s > ss {
					ss, lens = s, i+1
				}
			}
			lenf += lens - overlap
			lenb -= lens
		}

		extraLen := (scan - lenb) - (lastScan + lenf)
		seek := (pos - lenb) - (lastPos + lenf)
		fn(lastScan, lastPos, lenf, extraLen, seek)

		lastScan = scan - lenb
		lastPos = pos - lenb
		lastOffset = pos - scan
	}
}

// search returns the position and length of the longest match of p in old.
func (m *matcher) search(p []byte) (int, int) {
	st, en := 0, len(m.sa)-1
	for en-st >= 2 {
		x := st + (en-st)/2
		s := m.old[m.sa[x]:]
		k := len(s)
		if len(p) < k {
			k = len(p)
		}
		if string(s[:k]) < string(p[:k]) {
			st = x
		} else {
			en = x
		}
	}

	x := matchLen(m.old[m.sa[st]:], p)
	y := matchLen(m.old[m.sa[en]:], p)
	if x > y {
		return m.sa[st], x
	}
	return m.sa[en], y
}

func matchLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// suffixArray sorts the suffixes of b by prefix doubling.
func suffixArray(b []byte) []int {
	n := len(b)
	sa := make([]int, n)
	rank := make([]int, n)
	tmp := make([]int, n)
	for i := range b {
		sa[i], rank[i] = i, int(b[i])
	}
	if n < 2 {
		return sa
	}

	for k := 1; ; k <<= 1 {
		less := func(i, j int) bool {
			if rank[i] != rank[j] {
				return rank[i] < rank[j]
			}
			ri, rj := -1, -1
			if i+k < n {
				ri = rank[i+k]
			}
			if j+k < n {
				rj = rank[j+k]
			}
			return ri < rj
		}
		sort.Slice(sa, func(a, b int) bool { return less(sa[a], sa[b]) })

		tmp[sa[0]] = 0
		for i := 1; i < n; i++ {
			tmp[sa[i]] = tmp[sa[i-1]]
			if less(sa[i-1], sa[i]) {
				tmp[sa[i]]++
			}
		}
		copy(rank, tmp)
		if rank[sa[n-1]] == n-1 {
			break
		}
	}
	return sa
}

func appendUvarint(dst []byte, u uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], u)
	return append(dst, tmp[:n]...)
}

func appendVarint(dst []byte, v int64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}
