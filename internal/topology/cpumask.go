package topology

import (
	"math/bits"
	"strconv"
	"strings"
)

// CPUMask is a set of logical CPU numbers. The zero value is empty and ready
// to use. Masks are values; use Clone before handing one to another goroutine.
type CPUMask struct {
	words []uint64
}

func NewCPUMask(cpus ...int) CPUMask {
	var m CPUMask
	for _, cpu := range cpus {
		m.Set(cpu)
	}
	return m
}

func (m *CPUMask) Set(cpu int) {
	if cpu < 0 {
		return
	}
	w := cpu / 64
	for len(m.words) <= w {
		m.words = append(m.words, 0)
	}
	m.words[w] |= 1 << uint(cpu%64)
}

func (m *CPUMask) Clear(cpu int) {
	if cpu < 0 {
		return
	}
	w := cpu / 64
	if w < len(m.words) {
		m.words[w] &^= 1 << uint(cpu%64)
	}
}

func (m CPUMask) Has(cpu int) bool {
	if cpu < 0 {
		return false
	}
	w := cpu / 64
	return w < len(m.words) && m.words[w]&(1<<uint(cpu%64)) != 0
}

func (m CPUMask) Count() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (m CPUMask) IsEmpty() bool {
	return m.Count() == 0
}

// CPUs returns the members in ascending order.
func (m CPUMask) CPUs() []int {
	cpus := make([]int, 0, m.Count())
	for i, w := range m.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			cpus = append(cpus, i*64+b)
			w &^= 1 << uint(b)
		}
	}
	return cpus
}

// First returns the lowest CPU in the mask, or -1 if empty.
func (m CPUMask) First() int {
	for i, w := range m.words {
		if w != 0 {
			return i*64 + bits.TrailingZeros64(w)
		}
	}
	return -1
}

func (m CPUMask) Clone() CPUMask {
	return CPUMask{words: append([]uint64(nil), m.words...)}
}

func (m CPUMask) Equal(o CPUMask) bool {
	n := len(m.words)
	if len(o.words) > n {
		n = len(o.words)
	}
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(m.words) {
			a = m.words[i]
		}
		if i < len(o.words) {
			b = o.words[i]
		}
		if a != b {
			return false
		}
	}
	return true
}

// String renders the mask in sysfs list form, e.g. "0-3,8".
func (m CPUMask) String() string {
	cpus := m.CPUs()
	if len(cpus) == 0 {
		return ""
	}
	var b strings.Builder
	start, prev := cpus[0], cpus[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(start))
		if prev != start {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(prev))
		}
	}
	for _, cpu := range cpus[1:] {
		if cpu == prev+1 {
			prev = cpu
			continue
		}
		flush()
		start, prev = cpu, cpu
	}
	flush()
	return b.String()
}
