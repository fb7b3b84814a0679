// Package fdt builds a minimal flattened device tree blob.
//
// The boot state machine needs a byte slice to hand to the supervisor
// runtime as ancillary data when the boot image carries no
// ANCILLIARY_DATA chunk of its own. This package builds that fallback
// blob from the co-boot domain the monitor already computed (hart mask,
// entry point, privilege mode) rather than loading one from a file,
// since filesystem loading is explicitly out of scope for this module.
// It covers only the handful of property kinds (string, u32, u64, u32
// array) a boot-time fallback blob needs.
package fdt

import (
	"bytes"
	"encoding/binary"

	"github.com/tinyrange/hartmon/internal/platform"
)

const (
	magic       = 0xd00dfeed
	beginNode   = 0x00000001
	endNode     = 0x00000002
	prop        = 0x00000003
	fdtEnd      = 0x00000009
	version     = 17
	lastCompVer = 16
)

// Builder assembles a flattened device tree one node at a time.
//
// The zero value is ready to use.
type Builder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	stringOff map[string]uint32
}

func (b *Builder) putU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure.Write(buf[:])
}

func (b *Builder) pad4() {
	for b.structure.Len()%4 != 0 {
		b.structure.WriteByte(0)
	}
}

func (b *Builder) addString(s string) uint32 {
	if b.stringOff == nil {
		b.stringOff = make(map[string]uint32)
	}
	if off, ok := b.stringOff[s]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(s)
	b.strings.WriteByte(0)
	b.stringOff[s] = off
	return off
}

// BeginNode opens a node. name is empty for the tree root.
func (b *Builder) BeginNode(name string) {
	b.putU32(beginNode)
	b.structure.WriteString(name)
	b.structure.WriteByte(0)
	b.pad4()
}

// EndNode closes the most recently opened node.
func (b *Builder) EndNode() {
	b.putU32(endNode)
}

// PropertyString adds a NUL-terminated string property.
func (b *Builder) PropertyString(name, value string) {
	b.putU32(prop)
	b.putU32(uint32(len(value) + 1))
	b.putU32(b.addString(name))
	b.structure.WriteString(value)
	b.structure.WriteByte(0)
	b.pad4()
}

// PropertyU32 adds a single big-endian u32 property.
func (b *Builder) PropertyU32(name string, value uint32) {
	b.putU32(prop)
	b.putU32(4)
	b.putU32(b.addString(name))
	b.putU32(value)
}

// PropertyU64 adds a single big-endian u64 property, encoded as two cells.
func (b *Builder) PropertyU64(name string, value uint64) {
	b.putU32(prop)
	b.putU32(8)
	b.putU32(b.addString(name))
	b.putU32(uint32(value >> 32))
	b.putU32(uint32(value))
}

// PropertyU32Array adds a property containing a list of u32 cells.
func (b *Builder) PropertyU32Array(name string, values []uint32) {
	b.putU32(prop)
	b.putU32(uint32(len(values) * 4))
	b.putU32(b.addString(name))
	for _, v := range values {
		b.putU32(v)
	}
}

// Build finalizes the tree and returns the flattened blob.
func (b *Builder) Build() []byte {
	b.putU32(fdtEnd)

	for b.strings.Len()%4 != 0 {
		b.strings.WriteByte(0)
	}

	const headerSize = 40
	const memRsvmapSize = 16

	memRsvmapOff := uint32(headerSize)
	structOff := memRsvmapOff + memRsvmapSize
	structSize := uint32(b.structure.Len())
	stringsOff := structOff + structSize
	stringsSize := uint32(b.strings.Len())
	totalSize := stringsOff + stringsSize

	var header bytes.Buffer
	put := func(v uint32) {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v)
		header.Write(buf[:])
	}
	put(magic)
	put(totalSize)
	put(structOff)
	put(stringsOff)
	put(memRsvmapOff)
	put(version)
	put(lastCompVer)
	put(0) // boot_cpuid_phys
	put(stringsSize)
	put(structSize)

	out := make([]byte, totalSize)
	copy(out, header.Bytes())
	// memRsvmap region is left zeroed: an empty reservation list.
	copy(out[structOff:], b.structure.Bytes())
	copy(out[stringsOff:], b.strings.Bytes())

	return out
}

// DomainNode describes the boot information a fallback blob should carry
// for one co-boot domain.
type DomainNode struct {
	Name       string
	HartMask   uint32
	EntryPoint uint64
	PrivMode   uint32
}

// BuildDomainFallback constructs a minimal blob with a single "chosen"
// node describing one co-boot domain. It exists for the case named in
// the design note: no chunk in the image carried ANCILLIARY_DATA, so the
// monitor must hand the supervisor runtime something rather than a nil
// pointer.
func BuildDomainFallback(d DomainNode) []byte {
	var b Builder
	b.BeginNode("")
	b.PropertyU32("#address-cells", 2)
	b.PropertyU32("#size-cells", 2)

	b.BeginNode("chosen")
	b.PropertyString("boot-domain", d.Name)
	b.PropertyU32("hart-mask", d.HartMask)
	b.PropertyU64("entry-point", d.EntryPoint)
	b.PropertyU32("priv-mode", d.PrivMode)
	b.EndNode()

	b.EndNode()
	return b.Build()
}

// DomainFallback returns a machine.Deps/monitor.Config-shaped Fallback
// function that reports the given domain name under a single-hart mask,
// for a platform wiring up one monitor per co-boot domain.
func DomainFallback(name string) func(hart platform.HartID, entry uint64, privMode uint8) []byte {
	return func(hart platform.HartID, entry uint64, privMode uint8) []byte {
		return BuildDomainFallback(DomainNode{
			Name:       name,
			HartMask:   1 << uint32(hart),
			EntryPoint: entry,
			PrivMode:   uint32(privMode),
		})
	}
}
