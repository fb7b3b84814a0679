// Package bootimage decodes and validates the packaged boot image that
// lives in shared memory. It is read-only and pure: nothing in this
// package mutates the bytes it is given, and successful validation is
// the caller's license to assume the chunk tables iterate to their
// sentinels.
package bootimage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/hartmon/internal/platform"
)

// NApp is the fixed number of application harts a single design instance
// boots.
const NApp = 4

const (
	nSet  = 32
	nName = 16
)

// Magic values recognised by VerifyMagic. The compressed variant is
// accepted here but never decoded by this package; decompression is an
// upstream concern.
const (
	MagicPlain      uint32 = 0x484D4231 // "HMB1"
	MagicCompressed uint32 = 0x484D427A // "HMBz"
)

// Flags recognised on a per-hart table entry.
type Flags uint32

const (
	SkipOpenSBI Flags = 1 << iota
	SkipAutoboot
	AllowColdReboot
	AllowWarmReboot
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// AncillaryData is the high bit of a BootChunkDesc/BootZIChunkDesc owner
// field; the remaining bits are a platform.HartID.
const AncillaryData uint32 = 1 << 31

// Owner splits a chunk's owner field into its hart id and whether the
// chunk carries ancillary data.
func Owner(owner uint32) (hart platform.HartID, ancillary bool) {
	return platform.HartID(owner &^ AncillaryData), owner&AncillaryData != 0
}

// HartEntry is one application hart's row in the header's hart table.
type HartEntry struct {
	Name       string
	EntryPoint uint64
	PrivMode   uint8
	FirstChunk uint32
	LastChunk  uint32
	NumChunks  uint32
	Flags      Flags
}

// HasEntryPoint reports whether this hart should be released at all.
// A hart with no entry point is still driven through the boot sequence
// but is never sent a GOTO.
func (h HartEntry) HasEntryPoint() bool { return h.EntryPoint != 0 }

// Header is the decoded, typed form of the packed boot image header.
// Once returned from Decode it is never mutated.
type Header struct {
	Magic              uint32
	SetName            string
	Version            uint32
	HeaderLength       uint32
	HeaderCRC          uint32
	ChunkTableOffset   uint32
	ZIChunkTableOffset uint32
	Hart               [NApp]HartEntry
	Signature          []byte
}

// BootChunkDesc is one entry in the chunk table.
type BootChunkDesc struct {
	Owner    uint32
	LoadAddr uint64
	ExecAddr uint64
	Size     uint64
}

// Sentinel reports whether this is the zero-size record terminating the
// chunk table.
func (c BootChunkDesc) Sentinel() bool { return c.Size == 0 }

// Hart returns the owning hart id, ignoring the ancillary-data bit.
func (c BootChunkDesc) Hart() platform.HartID {
	hart, _ := Owner(c.Owner)
	return hart
}

// Ancillary reports whether this chunk's ExecAddr should be remembered as
// the supervisor-init ancillary data pointer.
func (c BootChunkDesc) Ancillary() bool {
	_, anc := Owner(c.Owner)
	return anc
}

// BootZIChunkDesc is one entry in the zero-init table.
type BootZIChunkDesc struct {
	Owner    uint32
	ExecAddr uint64
	Size     uint64
}

// Sentinel reports whether this is the zero-size record terminating the
// ZI chunk table.
func (z BootZIChunkDesc) Sentinel() bool { return z.Size == 0 }

func (z BootZIChunkDesc) Hart() platform.HartID {
	hart, _ := Owner(z.Owner)
	return hart
}

const (
	headerEncodedSizeV0    = 4 + nSet + 4 + 4 + 4 + 4 + 4 + NApp*hartEntryEncodedSize
	hartEntryEncodedSize   = nName + 8 + 1 + 3 /*pad*/ + 4 + 4 + 4 + 4
	chunkDescEncodedSize   = 4 + 4 /*pad*/ + 8 + 8 + 8
	ziChunkDescEncodedSize = 4 + 4 /*pad*/ + 8 + 8
)

var (
	ErrNilImage     = errors.New("bootimage: image is nil")
	ErrTruncated    = errors.New("bootimage: buffer too short for declared header")
	ErrBadMagic     = errors.New("bootimage: magic does not match")
	ErrBadSignature = errors.New("bootimage: signature verification failed")
	ErrBadCRC       = errors.New("bootimage: header CRC mismatch")
	ErrOffsetOOB    = errors.New("bootimage: chunk table offset outside image")
)

// Image wraps a decoded Header together with the raw backing bytes so
// chunk tables can be walked without further pointer arithmetic in
// calling code.
type Image struct {
	raw    []byte
	Header Header
}

// Decode parses buf into a typed header and chunk tables. It performs no
// CRC or signature verification (call ValidateImage for that), but it
// does bounds-check chunkTableOffset and ziChunkTableOffset against
// len(buf), since a decoded Image must always be safe to index.
func Decode(buf []byte) (*Image, error) {
	if buf == nil {
		return nil, ErrNilImage
	}
	if len(buf) < minDecodeLen {
		return nil, fmt.Errorf("%w: have %d bytes, need at least %d", ErrTruncated, len(buf), minDecodeLen)
	}

	r := &reader{buf: buf}

	var h Header
	h.Magic = r.u32()
	h.SetName = r.cstr(nSet)
	h.Version = r.u32()
	h.HeaderLength = r.u32()
	h.HeaderCRC = r.u32()
	h.ChunkTableOffset = r.u32()
	h.ZIChunkTableOffset = r.u32()

	for i := range h.Hart {
		h.Hart[i].Name = r.cstr(nName)
		h.Hart[i].EntryPoint = r.u64()
		h.Hart[i].PrivMode = r.u8()
		r.skip(3) // alignment padding before the next u32 field
		h.Hart[i].FirstChunk = r.u32()
		h.Hart[i].LastChunk = r.u32()
		h.Hart[i].NumChunks = r.u32()
		h.Hart[i].Flags = Flags(r.u32())
	}

	if h.Version >= 1 && h.HeaderLength > uint32(r.off) {
		sigLen := h.HeaderLength - uint32(r.off)
		if int(r.off)+int(sigLen) > len(buf) {
			return nil, fmt.Errorf("%w: signature extends past buffer", ErrTruncated)
		}
		h.Signature = append([]byte(nil), buf[r.off:r.off+int(sigLen)]...)
	}

	if r.err != nil {
		return nil, r.err
	}

	if int(h.ChunkTableOffset) > len(buf) || int(h.ZIChunkTableOffset) > len(buf) {
		return nil, ErrOffsetOOB
	}

	return &Image{raw: buf, Header: h}, nil
}

const minDecodeLen = 4 + nSet + 4 + 4 + 4 + 4 + 4 + NApp*(nName+8+1+3+4+4+4+4)

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.off+n > len(r.buf) {
		r.err = ErrTruncated
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) skip(n int) {
	if !r.need(n) {
		return
	}
	r.off += n
}

func (r *reader) cstr(n int) string {
	if !r.need(n) {
		return ""
	}
	field := r.buf[r.off : r.off+n]
	r.off += n
	end := 0
	for end < len(field) && field[end] != 0 {
		end++
	}
	return string(field[:end])
}

// VerifyMagic reports whether the header's magic is either recognised
// constant. It does not imply the image is otherwise valid.
func VerifyMagic(magic uint32) bool {
	return magic == MagicPlain || magic == MagicCompressed
}

// crcLen returns the number of header bytes, starting at offset zero,
// that the stored CRC was computed over. Version 0 images were signed
// before the signature field existed; the prefix length is chosen so
// both old and new images remain bit-compatible with their own CRC.
func crcLen(version uint32) int {
	if version == 0 {
		return headerEncodedSizeV0
	}
	return headerEncodedSizeV0 // the signature lives after the hart table, up to HeaderLength, and is excluded from either prefix
}

// scratchForCRC re-encodes the header with HeaderCRC and the signature
// region zeroed, mirroring the platform's packed layout, truncated to
// crcLen(version) bytes.
func scratchForCRC(h Header) []byte {
	buf := make([]byte, headerEncodedSizeV0)
	w := off(0)
	w.putU32(buf, h.Magic)
	w.putCStr(buf, h.SetName, nSet)
	w.putU32(buf, h.Version)
	w.putU32(buf, h.HeaderLength)
	w.putU32(buf, 0) // HeaderCRC is zeroed before recomputation
	w.putU32(buf, h.ChunkTableOffset)
	w.putU32(buf, h.ZIChunkTableOffset)
	for _, hart := range h.Hart {
		w.putCStr(buf, hart.Name, nName)
		w.putU64(buf, hart.EntryPoint)
		w.putU8(buf, hart.PrivMode)
		w.skip(3)
		w.putU32(buf, hart.FirstChunk)
		w.putU32(buf, hart.LastChunk)
		w.putU32(buf, hart.NumChunks)
		w.putU32(buf, uint32(hart.Flags))
	}
	return buf[:crcLen(h.Version)]
}

type off int

func (o *off) putU8(buf []byte, v uint8) {
	buf[*o] = v
	*o++
}

func (o *off) putU32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf[*o:], v)
	*o += 4
}

func (o *off) putU64(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf[*o:], v)
	*o += 8
}

func (o *off) putCStr(buf []byte, s string, n int) {
	copy(buf[*o:*o+off(n)], s)
	*o += off(n)
}

func (o *off) skip(n int) { *o += off(n) }

// ValidateCRC reports whether h.HeaderCRC matches crc32(scratchForCRC(h))
// as computed by crc.
func ValidateCRC(h Header, crc platform.Crc32) bool {
	return h.HeaderCRC == crc.Compute(scratchForCRC(h))
}

// ValidateImage fails if img is
// nil, the magic is wrong, the optional signature check fails, or the
// header CRC does not match. sigCheck may be nil when the image carries
// no signature (version 0 or an empty Signature field); a non-nil
// sigCheck is always consulted when present.
func ValidateImage(img *Image, crc platform.Crc32, sigCheck func(h Header) bool) error {
	if img == nil {
		return ErrNilImage
	}
	if !VerifyMagic(img.Header.Magic) {
		return ErrBadMagic
	}
	if sigCheck != nil && !sigCheck(img.Header) {
		return ErrBadSignature
	}
	if !ValidateCRC(img.Header, crc) {
		return ErrBadCRC
	}
	return nil
}

// Encode serializes h, chunks, and zi into the packed layout Decode
// expects, computing a correct HeaderCRC with crc. It exists so tools and
// tests can build a well-formed image without hand-rolling the wire
// format a second time; ChunkTableOffset and ZIChunkTableOffset in h are
// overwritten to match the tables actually written.
func Encode(h Header, chunks []BootChunkDesc, zi []BootZIChunkDesc, crc platform.Crc32) []byte {
	h.ChunkTableOffset = uint32(headerEncodedSizeV0)
	h.ZIChunkTableOffset = h.ChunkTableOffset + uint32((len(chunks)+1)*chunkDescEncodedSize)
	h.HeaderLength = uint32(headerEncodedSizeV0)
	h.HeaderCRC = crc.Compute(scratchForCRC(h))

	buf := make([]byte, headerEncodedSizeV0)
	w := off(0)
	w.putU32(buf, h.Magic)
	w.putCStr(buf, h.SetName, nSet)
	w.putU32(buf, h.Version)
	w.putU32(buf, h.HeaderLength)
	w.putU32(buf, h.HeaderCRC)
	w.putU32(buf, h.ChunkTableOffset)
	w.putU32(buf, h.ZIChunkTableOffset)
	for _, hart := range h.Hart {
		w.putCStr(buf, hart.Name, nName)
		w.putU64(buf, hart.EntryPoint)
		w.putU8(buf, hart.PrivMode)
		w.skip(3)
		w.putU32(buf, hart.FirstChunk)
		w.putU32(buf, hart.LastChunk)
		w.putU32(buf, hart.NumChunks)
		w.putU32(buf, uint32(hart.Flags))
	}

	for _, c := range chunks {
		var cb [chunkDescEncodedSize]byte
		co := off(0)
		co.putU32(cb[:], c.Owner)
		co.skip(4)
		co.putU64(cb[:], c.LoadAddr)
		co.putU64(cb[:], c.ExecAddr)
		co.putU64(cb[:], c.Size)
		buf = append(buf, cb[:]...)
	}
	buf = append(buf, make([]byte, chunkDescEncodedSize)...) // chunk table sentinel

	for _, z := range zi {
		var zb [ziChunkDescEncodedSize]byte
		zo := off(0)
		zo.putU32(zb[:], z.Owner)
		zo.skip(4)
		zo.putU64(zb[:], z.ExecAddr)
		zo.putU64(zb[:], z.Size)
		buf = append(buf, zb[:]...)
	}
	buf = append(buf, make([]byte, ziChunkDescEncodedSize)...) // ZI table sentinel

	return buf
}

// Chunk returns the i'th entry of the chunk table, bounds-checked against
// the image's backing bytes. ok is false if the table does not extend to
// index i.
func (img *Image) Chunk(i uint32) (BootChunkDesc, bool) {
	pos := int(img.Header.ChunkTableOffset) + int(i)*chunkDescEncodedSize
	if pos+chunkDescEncodedSize > len(img.raw) {
		return BootChunkDesc{}, false
	}
	r := &reader{buf: img.raw, off: pos}
	owner := r.u32()
	r.skip(4)
	load := r.u64()
	exec := r.u64()
	size := r.u64()
	if r.err != nil {
		return BootChunkDesc{}, false
	}
	return BootChunkDesc{Owner: owner, LoadAddr: load, ExecAddr: exec, Size: size}, true
}

// ZIChunk returns the i'th entry of the zero-init table, bounds-checked
// the same way as Chunk.
func (img *Image) ZIChunk(i uint32) (BootZIChunkDesc, bool) {
	pos := int(img.Header.ZIChunkTableOffset) + int(i)*ziChunkDescEncodedSize
	if pos+ziChunkDescEncodedSize > len(img.raw) {
		return BootZIChunkDesc{}, false
	}
	r := &reader{buf: img.raw, off: pos}
	owner := r.u32()
	r.skip(4)
	exec := r.u64()
	size := r.u64()
	if r.err != nil {
		return BootZIChunkDesc{}, false
	}
	return BootZIChunkDesc{Owner: owner, ExecAddr: exec, Size: size}, true
}

// ChunkBytes returns the load-address bytes for chunk c, relative to
// imageBase (the address the image's byte 0 corresponds to in the
// shared-memory map). It is the load-side counterpart to Pmp.CheckWrite
// gating the exec side.
func (img *Image) ChunkBytes(c BootChunkDesc, imageBase uint64) ([]byte, bool) {
	if c.LoadAddr < imageBase {
		return nil, false
	}
	start := c.LoadAddr - imageBase
	if start > uint64(len(img.raw)) || start+c.Size > uint64(len(img.raw)) {
		return nil, false
	}
	return img.raw[start : start+c.Size], true
}
