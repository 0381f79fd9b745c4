package tensor

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// NPY dtype descriptors understood by the codec.
const (
	DescrUint16  = "<u2"
	DescrFloat32 = "<f4"
)

var npyMagic = []byte("\x93NUMPY")

var (
	descrRe = regexp.MustCompile(`'descr':\s*'([^']+)'`)
	orderRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// Array is a decoded .npy payload. Exactly one of U16 or F32 is set.
type Array struct {
	Descr string
	Shape []int
	U16   []uint16
	F32   []float32
}

// WriteNPY writes data as a version 1.0 .npy file. data must be []uint16 or
// []float32 and its length must match shape.
func WriteNPY(w io.Writer, shape []int, data any) error {
	var descr string
	var n int
	switch d := data.(type) {
	case []uint16:
		descr, n = DescrUint16, len(d)
	case []float32:
		descr, n = DescrFloat32, len(d)
	default:
		return fmt.Errorf("npy: unsupported element type %T", data)
	}
	if want, err := product(shape); err != nil {
		return err
	} else if want != n {
		return fmt.Errorf("npy: %d elements do not fill shape %v", n, shape)
	}

	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple(shape))
	// magic(6) + version(2) + header length(2) + header, padded to 64 bytes.
	total := len(npyMagic) + 4 + len(header) + 1
	if pad := total % 64; pad != 0 {
		header += strings.Repeat(" ", 64-pad)
	}
	header += "\n"
	if len(header) > 0xffff {
		return fmt.Errorf("npy: header too long for version 1.0")
	}

	bw := bufio.NewWriter(w)
	bw.Write(npyMagic)
	bw.Write([]byte{1, 0})
	var hl [2]byte
	binary.LittleEndian.PutUint16(hl[:], uint16(len(header)))
	bw.Write(hl[:])
	bw.WriteString(header)
	if err := binary.Write(bw, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("npy: write data: %w", err)
	}
	return bw.Flush()
}

// ReadNPY decodes a version 1.x or 2.x .npy stream written in C order.
func ReadNPY(r io.Reader) (*Array, error) {
	br := bufio.NewReader(r)
	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(br, prefix); err != nil {
		return nil, fmt.Errorf("npy: read magic: %w", err)
	}
	if !bytes.Equal(prefix[:len(npyMagic)], npyMagic) {
		return nil, errors.New("npy: bad magic")
	}
	var headerLen int
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var hl [2]byte
		if _, err := io.ReadFull(br, hl[:]); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint16(hl[:]))
	case 2, 3:
		var hl [4]byte
		if _, err := io.ReadFull(br, hl[:]); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint32(hl[:]))
	default:
		return nil, fmt.Errorf("npy: unsupported version %d", major)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("npy: read header: %w", err)
	}

	arr, err := parseHeader(string(header))
	if err != nil {
		return nil, err
	}
	n, err := product(arr.Shape)
	if err != nil {
		return nil, err
	}
	// The header's shape is untrusted until the payload is there.
	size := int64(n) * elemSize(arr.Descr)
	payload, err := io.ReadAll(io.LimitReader(br, size))
	if err != nil {
		return nil, fmt.Errorf("npy: read data: %w", err)
	}
	if int64(len(payload)) != size {
		return nil, fmt.Errorf("npy: read data: shape %v needs %d bytes, got %d: %w", arr.Shape, size, len(payload), io.ErrUnexpectedEOF)
	}
	switch arr.Descr {
	case DescrUint16:
		arr.U16 = make([]uint16, n)
		for i := range arr.U16 {
			arr.U16[i] = binary.LittleEndian.Uint16(payload[2*i:])
		}
	case DescrFloat32:
		arr.F32 = make([]float32, n)
		for i := range arr.F32 {
			arr.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:]))
		}
	}
	return arr, nil
}

func elemSize(descr string) int64 {
	if descr == DescrUint16 {
		return 2
	}
	return 4
}

func parseHeader(h string) (*Array, error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("npy: header missing descr: %q", h)
	}
	descr := m[1]
	if descr != DescrUint16 && descr != DescrFloat32 {
		return nil, fmt.Errorf("npy: unsupported dtype %s", descr)
	}
	if o := orderRe.FindStringSubmatch(h); o == nil || o[1] == "True" {
		return nil, fmt.Errorf("npy: fortran order not supported")
	}
	s := shapeRe.FindStringSubmatch(h)
	if s == nil {
		return nil, fmt.Errorf("npy: header missing shape: %q", h)
	}
	var shape []int
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil || v < 0 {
			return nil, fmt.Errorf("npy: bad shape dimension %q", part)
		}
		shape = append(shape, v)
	}
	return &Array{Descr: descr, Shape: shape}, nil
}

func shapeTuple(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// maxElements keeps the payload size of any shape within an int64.
const maxElements = math.MaxInt64 / 8

func product(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("npy: negative dimension in shape %v", shape)
		}
		if d != 0 && n > maxElements/d {
			return 0, fmt.Errorf("npy: shape %v overflows", shape)
		}
		n *= d
	}
	return n, nil
}

// CombinedFromArray views a decoded rank-5 float array as a combined field.
func CombinedFromArray(a *Array) (*CombinedField, error) {
	if a.Descr != DescrFloat32 || len(a.Shape) != 5 || a.Shape[1] != CombinedPlanes || a.Shape[4] != 2 {
		return nil, fmt.Errorf("%w: %s%v is not a combined motion field", ErrContract, a.Descr, a.Shape)
	}
	return &CombinedField{Pairs: a.Shape[0], Height: a.Shape[2], Width: a.Shape[3], Data: a.F32}, nil
}
