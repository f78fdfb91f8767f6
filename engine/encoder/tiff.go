package encoder

import (
	"bytes"
	"encoding/binary"
	"image"
	"io"
	"sort"

	"github.com/hhrutter/lzw"
)

// TIFF field types and tags written by encodeTIFF
const (
	tiffShort    = 3
	tiffLong     = 4
	tiffRational = 5

	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagXResolution     = 282
	tagYResolution     = 283
	tagResolutionUnit  = 296
	tagPredictor       = 317

	compressionLZW        = 5
	photometricRGB        = 2
	predictorHorizontal   = 2
	resolutionUnitPerInch = 2
)

var tiffTypeSize = map[uint16]int{tiffShort: 2, tiffLong: 4, tiffRational: 8}

type tiffEntry struct {
	tag      uint16
	datatype uint16
	data     []uint32
}

func (e tiffEntry) size() int {
	return tiffTypeSize[e.datatype] * len(e.data)
}

func (e tiffEntry) put(p []byte) {
	le := binary.LittleEndian
	for _, d := range e.data {
		switch e.datatype {
		case tiffShort:
			le.PutUint16(p, uint16(d))
			p = p[2:]
		default:
			le.PutUint32(p, d)
			p = p[4:]
		}
	}
}

// encodeTIFF writes img as a single strip, 8 bit RGB TIFF. Alpha is flattened
// against white first. The strip is LZW compressed after horizontal
// differencing.
func encodeTIFF(w io.Writer, img image.Image) error {
	src := toRGB(img)
	dx, dy := src.Rect.Dx(), src.Rect.Dy()

	row := make([]byte, 3*dx)
	var strip bytes.Buffer
	lw := lzw.NewWriter(&strip, true)
	for y := 0; y < dy; y++ {
		line := src.Pix[y*src.Stride:]
		var pr, pg, pb byte
		for x := 0; x < dx; x++ {
			r, g, b := line[3*x], line[3*x+1], line[3*x+2]
			row[3*x] = r - pr
			row[3*x+1] = g - pg
			row[3*x+2] = b - pb
			pr, pg, pb = r, g, b
		}
		if _, err := lw.Write(row); err != nil {
			return err
		}
	}
	if err := lw.Close(); err != nil {
		return err
	}

	header := make([]byte, 8)
	copy(header, "II*\x00")
	ifdOffset := 8 + strip.Len()
	binary.LittleEndian.PutUint32(header[4:], uint32(ifdOffset))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(strip.Bytes()); err != nil {
		return err
	}

	entries := []tiffEntry{
		{tagImageWidth, tiffLong, []uint32{uint32(dx)}},
		{tagImageLength, tiffLong, []uint32{uint32(dy)}},
		{tagBitsPerSample, tiffShort, []uint32{8, 8, 8}},
		{tagCompression, tiffShort, []uint32{compressionLZW}},
		{tagPhotometric, tiffShort, []uint32{photometricRGB}},
		{tagStripOffsets, tiffLong, []uint32{8}},
		{tagSamplesPerPixel, tiffShort, []uint32{3}},
		{tagRowsPerStrip, tiffLong, []uint32{uint32(dy)}},
		{tagStripByteCounts, tiffLong, []uint32{uint32(strip.Len())}},
		{tagXResolution, tiffRational, []uint32{72, 1}},
		{tagYResolution, tiffRational, []uint32{72, 1}},
		{tagResolutionUnit, tiffShort, []uint32{resolutionUnitPerInch}},
		{tagPredictor, tiffShort, []uint32{predictorHorizontal}},
	}
	return writeIFD(w, ifdOffset, entries)
}

// writeIFD writes the directory followed by the values that do not fit in
// an entry's four byte value field.
func writeIFD(w io.Writer, ifdOffset int, entries []tiffEntry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	le := binary.LittleEndian

	var extra []byte
	extraOffset := ifdOffset + 2 + 12*len(entries) + 4

	buf := make([]byte, 2, 2+12*len(entries)+4)
	le.PutUint16(buf, uint16(len(entries)))
	var entry [12]byte
	for _, e := range entries {
		le.PutUint16(entry[0:], e.tag)
		le.PutUint16(entry[2:], e.datatype)
		count := uint32(len(e.data))
		if e.datatype == tiffRational {
			count /= 2
		}
		le.PutUint32(entry[4:], count)
		clear(entry[8:])
		if n := e.size(); n <= 4 {
			e.put(entry[8:])
		} else {
			le.PutUint32(entry[8:], uint32(extraOffset+len(extra)))
			value := make([]byte, n)
			e.put(value)
			extra = append(extra, value...)
		}
		buf = append(buf, entry[:]...)
	}
	buf = append(buf, 0, 0, 0, 0)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	_, err := w.Write(extra)
	return err
}
