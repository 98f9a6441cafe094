package haadf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Tag kinds and element types of the DM4 container. The tag structure is
// big-endian; payload byte order is declared by the file header.
const (
	dm4TagDirectory = 20
	dm4TagData      = 21

	dm4TypeInt16   = 2
	dm4TypeInt32   = 3
	dm4TypeUint16  = 4
	dm4TypeUint32  = 5
	dm4TypeFloat32 = 6
	dm4TypeFloat64 = 7
	dm4TypeBool    = 8
	dm4TypeInt8    = 9
	dm4TypeUint8   = 10
	dm4TypeInt64   = 11
	dm4TypeUint64  = 12

	dm4TypeArray = 20
)

// dm4TypeSizes maps scalar element types to their encoded size in bytes.
var dm4TypeSizes = map[uint64]int{
	dm4TypeInt16:   2,
	dm4TypeInt32:   4,
	dm4TypeUint16:  2,
	dm4TypeUint32:  4,
	dm4TypeFloat32: 4,
	dm4TypeFloat64: 8,
	dm4TypeBool:    1,
	dm4TypeInt8:    1,
	dm4TypeUint8:   1,
	dm4TypeInt64:   8,
	dm4TypeUint64:  8,
}

// Image is a decoded two-dimensional intensity array in row-major order.
type Image struct {
	Width  int
	Height int
	Data   []float64
}

// At returns the intensity at |x|, |y|.
func (m *Image) At(x, y int) float64 { return m.Data[y*m.Width+x] }

// ReadImage reads the DM4 file at |path| and returns its acquired image:
// the largest two-dimensional Data array of any ImageData group. DM4
// files carry a reduced thumbnail alongside the acquisition, so largest
// selects the acquisition.
func ReadImage(path string) (*Image, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var img *Image
	if img, err = decodeImage(f); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// errEndOfTags is returned on a zero tag kind, which ends a
// (possibly zero-padded) tag stream.
var errEndOfTags = errors.New("end of tag stream")

func decodeImage(r io.ReadSeeker) (*Image, error) {
	var d = &dm4Reader{r: r}

	var version, err = d.u32be()
	if err != nil {
		return nil, err
	} else if version != 4 {
		return nil, fmt.Errorf("unsupported container version %d", version)
	}
	if _, err = d.u64be(); err != nil { // Root directory length.
		return nil, err
	}
	order, err := d.u32be()
	if err != nil {
		return nil, err
	}
	if order == 1 {
		d.order = binary.LittleEndian
	} else {
		d.order = binary.BigEndian
	}

	var w = &walker{d: d, groups: make(map[string]*imageGroup)}
	if err = w.walkDirectory(); err != nil && !errors.Is(err, errEndOfTags) {
		return nil, err
	}

	var pick *imageGroup
	for _, g := range w.groups {
		if !g.valid() {
			continue
		}
		if pick == nil || g.count > pick.count {
			pick = g
		}
	}
	if pick == nil {
		return nil, errors.New("no two-dimensional image found")
	}

	var data []float64
	if data, err = d.readArray(pick); err != nil {
		return nil, err
	}
	return &Image{Width: pick.dims[0], Height: pick.dims[1], Data: data}, nil
}

// imageGroup accumulates the Data array and Dimensions entries of one
// ImageData directory as the walk encounters them.
type imageGroup struct {
	offset int64
	typ    uint64
	count  uint64
	dims   []int
}

func (g *imageGroup) valid() bool {
	if g.offset == 0 || len(g.dims) != 2 {
		return false
	}
	if g.dims[0] <= 0 || g.dims[1] <= 0 {
		return false
	}
	return uint64(g.dims[0])*uint64(g.dims[1]) == g.count
}

// walker recurses the tag tree, skipping all payloads other than the
// ImageData members it collects.
type walker struct {
	d      *dm4Reader
	groups map[string]*imageGroup
	stack  []string
}

func (w *walker) walkDirectory() error {
	if _, err := w.d.u8(); err != nil { // Sorted.
		return err
	}
	if _, err := w.d.u8(); err != nil { // Closed.
		return err
	}
	var n, err = w.d.u64be()
	if err != nil {
		return err
	}
	for i := uint64(0); i != n; i++ {
		if err = w.walkEntry(i); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) walkEntry(index uint64) error {
	var kind, err = w.d.u8()
	if err != nil {
		return err
	}
	if kind == 0 {
		return errEndOfTags
	}

	nameLen, err := w.d.u16be()
	if err != nil {
		return err
	}
	var name = make([]byte, nameLen)
	if _, err = io.ReadFull(w.d.r, name); err != nil {
		return err
	}
	size, err := w.d.u64be()
	if err != nil {
		return err
	}

	// Many tags are unnamed (notably ImageList members and Dimensions
	// entries). Index them so sibling groups key distinctly.
	var segment = string(name)
	if segment == "" {
		segment = fmt.Sprintf("#%d", index)
	}
	w.stack = append(w.stack, segment)
	defer func() { w.stack = w.stack[:len(w.stack)-1] }()

	switch kind {
	case dm4TagDirectory:
		return w.walkDirectory()
	case dm4TagData:
		return w.walkData(string(name), size)
	default:
		return fmt.Errorf("unknown tag kind %d", kind)
	}
}

func (w *walker) walkData(name string, size uint64) error {
	var sep = make([]byte, 4)
	if _, err := io.ReadFull(w.d.r, sep); err != nil {
		return err
	} else if string(sep) != "%%%%" {
		return fmt.Errorf("malformed tag %q: missing info separator", name)
	}
	var infoCount, err = w.d.u64be()
	if err != nil {
		return err
	}
	var info = make([]uint64, infoCount)
	for i := range info {
		if info[i], err = w.d.u64be(); err != nil {
			return err
		}
	}

	var payload = int64(size) - 4 - 8 - 8*int64(infoCount)
	if payload < 0 {
		return fmt.Errorf("malformed tag %q: info exceeds tag size", name)
	}

	// A simple array is described as [array, element type, count].
	if len(info) == 3 && info[0] == dm4TypeArray && name == "Data" && w.parent(1) == "ImageData" {
		if elemSize, ok := dm4TypeSizes[info[1]]; ok && int64(info[2])*int64(elemSize) == payload {
			var g = w.groupAt(len(w.stack) - 1)
			if g.offset, err = w.d.r.Seek(0, io.SeekCurrent); err != nil {
				return err
			}
			g.typ, g.count = info[1], info[2]
		}
	}

	// A dimension is a lone integer scalar under ImageData/Dimensions.
	if len(info) == 1 && isIntegerType(info[0]) &&
		w.parent(1) == "Dimensions" && w.parent(2) == "ImageData" {
		var dim int64
		if dim, err = w.d.readScalarInt(info[0]); err != nil {
			return err
		}
		var g = w.groupAt(len(w.stack) - 2)
		g.dims = append(g.dims, int(dim))
		return nil
	}

	return w.d.skip(payload)
}

// parent returns the name of the |k|th enclosing tag, where 1 is the
// directory holding the current tag.
func (w *walker) parent(k int) string {
	if len(w.stack) <= k {
		return ""
	}
	return w.stack[len(w.stack)-1-k]
}

// groupAt returns the group keyed by the first |n| stack segments.
func (w *walker) groupAt(n int) *imageGroup {
	var key = strings.Join(w.stack[:n], "/")
	var g, ok = w.groups[key]
	if !ok {
		g = new(imageGroup)
		w.groups[key] = g
	}
	return g
}

func isIntegerType(typ uint64) bool {
	switch typ {
	case dm4TypeInt8, dm4TypeUint8, dm4TypeInt16, dm4TypeUint16,
		dm4TypeInt32, dm4TypeUint32, dm4TypeInt64, dm4TypeUint64:
		return true
	}
	return false
}

// dm4Reader decodes the big-endian tag structure and payloads in the
// byte order declared by the header.
type dm4Reader struct {
	r     io.ReadSeeker
	order binary.ByteOrder
	buf   [8]byte
}

func (d *dm4Reader) read(n int) ([]byte, error) {
	var buf = d.buf[:n]
	var _, err = io.ReadFull(d.r, buf)
	return buf, err
}

func (d *dm4Reader) u8() (uint8, error) {
	var buf, err = d.read(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *dm4Reader) u16be() (uint16, error) {
	var buf, err = d.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (d *dm4Reader) u32be() (uint32, error) {
	var buf, err = d.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (d *dm4Reader) u64be() (uint64, error) {
	var buf, err = d.read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

func (d *dm4Reader) skip(n int64) error {
	var _, err = d.r.Seek(n, io.SeekCurrent)
	return err
}

// readScalarInt reads one integer scalar of |typ| in payload byte order.
func (d *dm4Reader) readScalarInt(typ uint64) (int64, error) {
	var buf, err = d.read(dm4TypeSizes[typ])
	if err != nil {
		return 0, err
	}
	switch typ {
	case dm4TypeInt8:
		return int64(int8(buf[0])), nil
	case dm4TypeUint8, dm4TypeBool:
		return int64(buf[0]), nil
	case dm4TypeInt16:
		return int64(int16(d.order.Uint16(buf))), nil
	case dm4TypeUint16:
		return int64(d.order.Uint16(buf)), nil
	case dm4TypeInt32:
		return int64(int32(d.order.Uint32(buf))), nil
	case dm4TypeUint32:
		return int64(d.order.Uint32(buf)), nil
	case dm4TypeInt64, dm4TypeUint64:
		return int64(d.order.Uint64(buf)), nil
	}
	return 0, fmt.Errorf("scalar type %d is not an integer", typ)
}

// readArray seeks to the group's payload and decodes it as intensities.
func (d *dm4Reader) readArray(g *imageGroup) ([]float64, error) {
	var size = dm4TypeSizes[g.typ]
	if _, err := d.r.Seek(g.offset, io.SeekStart); err != nil {
		return nil, err
	}
	var raw = make([]byte, int(g.count)*size)
	if _, err := io.ReadFull(d.r, raw); err != nil {
		return nil, err
	}

	var out = make([]float64, g.count)
	switch g.typ {
	case dm4TypeInt8:
		for i := range out {
			out[i] = float64(int8(raw[i]))
		}
	case dm4TypeUint8, dm4TypeBool:
		for i := range out {
			out[i] = float64(raw[i])
		}
	case dm4TypeInt16:
		for i := range out {
			out[i] = float64(int16(d.order.Uint16(raw[2*i:])))
		}
	case dm4TypeUint16:
		for i := range out {
			out[i] = float64(d.order.Uint16(raw[2*i:]))
		}
	case dm4TypeInt32:
		for i := range out {
			out[i] = float64(int32(d.order.Uint32(raw[4*i:])))
		}
	case dm4TypeUint32:
		for i := range out {
			out[i] = float64(d.order.Uint32(raw[4*i:]))
		}
	case dm4TypeInt64:
		for i := range out {
			out[i] = float64(int64(d.order.Uint64(raw[8*i:])))
		}
	case dm4TypeUint64:
		for i := range out {
			out[i] = float64(d.order.Uint64(raw[8*i:]))
		}
	case dm4TypeFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(d.order.Uint32(raw[4*i:])))
		}
	case dm4TypeFloat64:
		for i := range out {
			out[i] = math.Float64frombits(d.order.Uint64(raw[8*i:]))
		}
	}
	return out, nil
}
