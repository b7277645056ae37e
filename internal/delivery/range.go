package delivery

import (
	"errors"
	"strconv"
	"strings"
)

// errMalformedRange is returned by ParseRange for headers the caller should ignore.
var errMalformedRange = errors.New("malformed range header")

// RangeSpec is a single requested byte window. A nil *RangeSpec means the
// whole object.
type RangeSpec struct {
	Start int64
	// End is inclusive and only meaningful when HasEnd is set.
	End    int64
	HasEnd bool
	// Suffix, when positive, requests the last Suffix bytes instead.
	Suffix int64
}

// NewRange returns the closed window [start, end].
func NewRange(start, end int64) *RangeSpec {
	return &RangeSpec{Start: start, End: end, HasEnd: true}
}

// ParseRange parses a single-range "bytes=" header. It returns nil for an
// empty header. Malformed or multi-range headers yield an error; callers
// serve the whole object in that case.
func ParseRange(header string) (*RangeSpec, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, errMalformedRange
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if strings.Contains(spec, ",") {
		return nil, errMalformedRange
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, errMalformedRange
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, errMalformedRange
		}
		return &RangeSpec{Suffix: n}, nil
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, errMalformedRange
	}
	if last == "" {
		return &RangeSpec{Start: start}, nil
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < 0 {
		return nil, errMalformedRange
	}
	return NewRange(start, end), nil
}

// window resolves the range against an object of size bytes and returns the
// inclusive bounds to read. partial is false for whole-object reads.
func (r *RangeSpec) window(size int64) (start, end int64, partial bool, err error) {
	if r == nil {
		return 0, size - 1, false, nil
	}
	if r.Suffix > 0 {
		if size == 0 {
			return 0, 0, false, ErrRangeNotSatisfiable.New("suffix of empty object")
		}
		n := r.Suffix
		if n > size {
			n = size
		}
		return size - n, size - 1, true, nil
	}
	if r.Start < 0 || r.Start >= size {
		return 0, 0, false, ErrRangeNotSatisfiable.New("start %d outside %d bytes", r.Start, size)
	}
	if !r.HasEnd {
		return r.Start, size - 1, true, nil
	}
	if r.End < r.Start || r.End >= size {
		return 0, 0, false, ErrRangeNotSatisfiable.New("range %d-%d outside %d bytes", r.Start, r.End, size)
	}
	return r.Start, r.End, true, nil
}
