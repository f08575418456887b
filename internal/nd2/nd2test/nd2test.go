// Package nd2test writes small synthetic ND2 files for tests.
package nd2test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"unicode/utf16"
)

const (
	chunkMagic        = 0x0ABECEDA
	fileSignature     = "ND2 FILE SIGNATURE CHUNK NAME01!"
	chunkMapName      = "ND2 FILEMAP SIGNATURE NAME 0001!"
	chunkMapSignature = "ND2 CHUNK MAP SIGNATURE 0000001!"
)

var le = binary.LittleEndian

// File describes the synthetic acquisition. Zero counts are treated as 1.
type File struct {
	Width, Height int
	Components    int
	// BitsPerComponent is 8 or 16 (default 16).
	BitsPerComponent int
	// RowPadding adds bytes to the end of every row.
	RowPadding  int
	Times       int
	Views       int
	ZLevels     int
	Calibration float64
	// Pixel returns the raw value at a position. Defaults to DefaultPixel.
	Pixel func(t, v, z, c, x, y int) uint16
}

// DefaultPixel encodes the coordinates so every plane is distinct.
func DefaultPixel(t, v, z, c, x, y int) uint16 {
	return uint16(100*t + 10*v + z + c + x + y)
}

// Field is a named metadata value. Value may be uint8, int32, uint32, int64,
// uint64, float64, string, []byte or []Field (a nested level).
type Field struct {
	Name  string
	Value any
}

// Write encodes f to path.
func Write(path string, f File) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Encode returns the bytes of the ND2 file described by f.
func Encode(f File) ([]byte, error) {
	f = withDefaults(f)
	if f.BitsPerComponent != 8 && f.BitsPerComponent != 16 {
		return nil, fmt.Errorf("nd2test: unsupported bits per component %d", f.BitsPerComponent)
	}

	var buf bytes.Buffer
	type entry struct {
		name   string
		offset uint64
		size   uint64
	}
	var entries []entry
	addChunk := func(name string, data []byte) {
		off := uint64(buf.Len())
		writeChunk(&buf, name, data)
		entries = append(entries, entry{name, off, uint64(len(data))})
	}

	writeChunk(&buf, fileSignature, []byte("Ver3.0"))

	bpc := f.BitsPerComponent / 8
	widthBytes := f.Width*f.Components*bpc + f.RowPadding
	seq := 0
	for t := 0; t < f.Times; t++ {
		for v := 0; v < f.Views; v++ {
			for z := 0; z < f.ZLevels; z++ {
				plane := make([]byte, 8+widthBytes*f.Height)
				le.PutUint64(plane, math.Float64bits(float64(seq)*100))
				for y := 0; y < f.Height; y++ {
					for x := 0; x < f.Width; x++ {
						for c := 0; c < f.Components; c++ {
							val := f.Pixel(t, v, z, c, x, y)
							off := 8 + y*widthBytes + (x*f.Components+c)*bpc
							if bpc == 1 {
								plane[off] = byte(val)
							} else {
								le.PutUint16(plane[off:], val)
							}
						}
					}
				}
				addChunk(fmt.Sprintf("ImageDataSeq|%d!", seq), plane)
				seq++
			}
		}
	}

	addChunk("ImageAttributesLV!", EncodeMetadata([]Field{{"SLxImageAttributes", []Field{
		{"uiWidth", uint32(f.Width)},
		{"uiWidthBytes", uint32(widthBytes)},
		{"uiHeight", uint32(f.Height)},
		{"uiComp", uint32(f.Components)},
		{"uiBpcInMemory", uint32(f.BitsPerComponent)},
		{"uiBpcSignificant", uint32(f.BitsPerComponent)},
		{"uiSequenceCount", uint32(seq)},
	}}}))

	addChunk("ImageMetadataLV!", EncodeMetadata([]Field{{"SLxExperiment", experiment(f)}}))

	if f.Calibration > 0 {
		addChunk("ImageCalibrationLV|0!", EncodeMetadata([]Field{{"SLxCalibration", []Field{
			{"dCalibration", f.Calibration},
			{"wsObjectiveName", "Plan Apo 60x"},
		}}}))
	}

	mapOffset := uint64(buf.Len())
	var m bytes.Buffer
	for _, e := range entries {
		m.WriteString(e.name)
		binary.Write(&m, le, e.offset)
		binary.Write(&m, le, e.size)
	}
	m.WriteString(chunkMapSignature)
	binary.Write(&m, le, mapOffset)
	writeChunk(&buf, chunkMapName, m.Bytes())

	return buf.Bytes(), nil
}

func withDefaults(f File) File {
	if f.Components == 0 {
		f.Components = 1
	}
	if f.BitsPerComponent == 0 {
		f.BitsPerComponent = 16
	}
	if f.Times == 0 {
		f.Times = 1
	}
	if f.Views == 0 {
		f.Views = 1
	}
	if f.ZLevels == 0 {
		f.ZLevels = 1
	}
	if f.Pixel == nil {
		f.Pixel = DefaultPixel
	}
	return f
}

// experiment nests T > XY > Z loops, omitting any with a single entry.
func experiment(f File) []Field {
	var loops [][]Field
	if f.Times > 1 {
		loops = append(loops, loop(1, f.Times, nil))
	}
	if f.Views > 1 {
		valid := bytes.Repeat([]byte{1}, f.Views)
		loops = append(loops, loop(2, f.Views, []Field{{"pItemValid", valid}}))
	}
	if f.ZLevels > 1 {
		loops = append(loops, loop(4, f.ZLevels, nil))
	}
	if len(loops) == 0 {
		return []Field{{"eType", uint32(0)}}
	}
	for i := len(loops) - 1; i > 0; i-- {
		loops[i-1] = append(loops[i-1], Field{"ppNextLevelEx", []Field{{"i0000000000", loops[i]}}})
	}
	return loops[0]
}

func loop(eType uint32, count int, extra []Field) []Field {
	fields := []Field{
		{"eType", eType},
		{"uLoopPars", []Field{{"uiCount", uint32(count)}}},
	}
	return append(fields, extra...)
}

func writeChunk(buf *bytes.Buffer, name string, data []byte) {
	binary.Write(buf, le, uint32(chunkMagic))
	binary.Write(buf, le, uint32(len(name)))
	binary.Write(buf, le, uint64(len(data)))
	buf.WriteString(name)
	buf.Write(data)
}

// EncodeMetadata encodes fields in the LV variant format.
func EncodeMetadata(fields []Field) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.Write(encodeField(f))
	}
	return buf.Bytes()
}

func encodeField(f Field) []byte {
	name := utf16.Encode([]rune(f.Name + "\x00"))
	var head bytes.Buffer
	var body bytes.Buffer

	var typ byte
	switch v := f.Value.(type) {
	case uint8:
		typ = 1
		body.WriteByte(v)
	case int32:
		typ = 2
		binary.Write(&body, le, v)
	case uint32:
		typ = 3
		binary.Write(&body, le, v)
	case int64:
		typ = 4
		binary.Write(&body, le, v)
	case uint64:
		typ = 5
		binary.Write(&body, le, v)
	case float64:
		typ = 6
		binary.Write(&body, le, v)
	case string:
		typ = 8
		binary.Write(&body, le, utf16.Encode([]rune(v+"\x00")))
	case []byte:
		typ = 9
		binary.Write(&body, le, uint64(len(v)))
		body.Write(v)
	case []Field:
		typ = 11
		nested := EncodeMetadata(v)
		headerLen := 2 + len(name)*2 + 12
		binary.Write(&body, le, uint32(len(v)))
		binary.Write(&body, le, uint64(headerLen+len(nested)))
		body.Write(nested)
		body.Write(make([]byte, len(v)*8))
	default:
		panic(fmt.Sprintf("nd2test: unsupported field type %T", f.Value))
	}

	head.WriteByte(typ)
	head.WriteByte(byte(len(name)))
	binary.Write(&head, le, name)
	return append(head.Bytes(), body.Bytes()...)
}
