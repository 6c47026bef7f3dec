package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/sbinet/npyio/npy"
)

// array is a C-ordered float64 n-d array as stored in one .npy member.
type array struct {
	shape []int
	data  []float64
}

// value returns a pointer to a fixed-size nested Go array holding a.data.
// npy.Write takes the shape of such a value verbatim, which is how ranks
// above two (sigma is [P, D, D]) reach the file.
func (a array) value() any {
	t := reflect.TypeOf(float64(0))
	for i := len(a.shape) - 1; i >= 0; i-- {
		t = reflect.ArrayOf(a.shape[i], t)
	}
	v := reflect.New(t)
	fill(v.Elem(), a.data)
	return v.Interface()
}

func fill(v reflect.Value, data []float64) {
	if v.Kind() == reflect.Float64 {
		v.SetFloat(data[0])
		return
	}
	n := v.Len()
	if n == 0 {
		return
	}
	stride := len(data) / n
	for i := 0; i < n; i++ {
		fill(v.Index(i), data[i*stride:(i+1)*stride])
	}
}

// readNPY decodes one .npy stream of float64 or float32 values in C order.
// limit is the uncompressed member size; a header declaring more elements
// than limit can hold is rejected before anything is allocated.
func readNPY(r io.Reader, limit uint64) (arr array, err error) {
	// npy.Reader indexes into the raw header and can panic on garbage.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: npy header: %v", ErrMalformed, p)
		}
	}()

	r, err = boundHeader(r, limit)
	if err != nil {
		return array{}, err
	}
	nr, err := npy.NewReader(r)
	if err != nil {
		return array{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	hdr := nr.Header
	if hdr.Descr.Fortran {
		return array{}, fmt.Errorf("%w: fortran-ordered arrays are not supported", ErrMalformed)
	}

	var width uint64
	switch rt := npy.TypeFrom(hdr.Descr.Type); {
	case rt == nil:
		return array{}, fmt.Errorf("%w: unknown dtype %q", ErrMalformed, hdr.Descr.Type)
	case rt.Kind() == reflect.Float64:
		width = 8
	case rt.Kind() == reflect.Float32:
		width = 4
	default:
		return array{}, fmt.Errorf("%w: unsupported dtype %q (want float64 or float32)", ErrMalformed, hdr.Descr.Type)
	}

	n, ok := elementCount(hdr.Descr.Shape, limit/width)
	if !ok {
		return array{}, fmt.Errorf("%w: shape %v does not fit in a %d byte member", ErrMalformed, hdr.Descr.Shape, limit)
	}

	arr.shape = hdr.Descr.Shape
	if width == 8 {
		arr.data = make([]float64, n)
		err = nr.Read(&arr.data)
	} else {
		narrow := make([]float32, n)
		err = nr.Read(&narrow)
		arr.data = make([]float64, n)
		for i, v := range narrow {
			arr.data[i] = float64(v)
		}
	}
	if err != nil && !(n == 0 && errors.Is(err, io.EOF)) {
		return array{}, fmt.Errorf("%w: npy payload: %v", ErrMalformed, err)
	}
	return arr, nil
}

// boundHeader reads the fixed preamble and rejects header lengths above
// limit, since npy.NewReader allocates the whole header up front. The
// returned reader replays the preamble.
func boundHeader(r io.Reader, limit uint64) (io.Reader, error) {
	pre := make([]byte, len(npy.Magic)+2, len(npy.Magic)+6)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, fmt.Errorf("%w: npy preamble: %v", ErrMalformed, err)
	}
	var hdrLen uint64
	switch major := pre[len(npy.Magic)]; major {
	case 1:
		pre = pre[:len(pre)+2]
		if _, err := io.ReadFull(r, pre[len(pre)-2:]); err != nil {
			return nil, fmt.Errorf("%w: npy preamble: %v", ErrMalformed, err)
		}
		hdrLen = uint64(binary.LittleEndian.Uint16(pre[len(pre)-2:]))
	case 2:
		pre = pre[:len(pre)+4]
		if _, err := io.ReadFull(r, pre[len(pre)-4:]); err != nil {
			return nil, fmt.Errorf("%w: npy preamble: %v", ErrMalformed, err)
		}
		hdrLen = uint64(binary.LittleEndian.Uint32(pre[len(pre)-4:]))
	default:
		return nil, fmt.Errorf("%w: npy format version %d", ErrMalformed, major)
	}
	if hdrLen > limit {
		return nil, fmt.Errorf("%w: npy header of %d bytes in a %d byte member", ErrMalformed, hdrLen, limit)
	}
	return io.MultiReader(bytes.NewReader(pre), r), nil
}

// elementCount multiplies shape out, failing on negative dimensions and on
// products above max. An empty shape is a scalar.
func elementCount(shape []int, max uint64) (int, bool) {
	n := uint64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > max/uint64(d) {
			return 0, false
		}
		n *= uint64(d)
	}
	if n > max || n > math.MaxInt {
		return 0, false
	}
	return int(n), true
}
