// SPDX-FileCopyrightText: 2025 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rtld

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/aibor/sceld/internal/image"
	"github.com/aibor/sceld/internal/vm"
)

// Sizes of the info structures as declared by the guest.
const (
	DynlibInfoSize   = 0x160
	DynlibInfoExSize = 0x1a8
)

// Protections reported for the segments in the info structures.
const (
	infoProtText  = uint32(vm.CPURead | vm.CPUExec)
	infoProtData  = uint32(vm.CPURead | vm.CPUWrite)
	infoProtRelro = uint32(vm.CPURead)
)

// SegmentInfo is a segment as reported to the guest.
type SegmentInfo struct {
	Addr uint64
	Size uint32
	Prot uint32
}

// DynlibInfo is the guest structure of dynlib_get_info.
type DynlibInfo struct {
	Size         uint64
	Name         [256]byte
	Text         SegmentInfo
	Data         SegmentInfo
	Relro        SegmentInfo
	Unk          SegmentInfo
	SegmentCount uint32
	Fingerprint  [image.FingerprintSize]byte
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (i *DynlibInfo) MarshalBinary() ([]byte, error) {
	return binary.Append(nil, binary.LittleEndian, i) //nolint:wrapcheck
}

// DynlibInfoEx is the guest structure of dynlib_get_info_ex.
type DynlibInfoEx struct {
	Size           uint64
	Name           [256]byte
	Handle         uint32
	TLSIndex       uint32
	TLSInit        uint64
	TLSInitSize    uint32
	TLSSize        uint32
	TLSOffset      uint32
	TLSAlign       uint32
	Init           uint64
	Fini           uint64
	Unk1           uint64
	Unk2           uint64
	EHFrameHdr     uint64
	EHFrame        uint64
	EHFrameHdrSize uint32
	EHFrameSize    uint32
	Text           SegmentInfo
	Data           SegmentInfo
	Relro          SegmentInfo
	Unk            SegmentInfo
	SegmentCount   uint32
	RefCount       uint32
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (i *DynlibInfoEx) MarshalBinary() ([]byte, error) {
	return binary.Append(nil, binary.LittleEndian, i) //nolint:wrapcheck
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (i *DynlibInfoEx) UnmarshalBinary(data []byte) error {
	_, err := binary.Decode(data, binary.LittleEndian, i)
	return err //nolint:wrapcheck
}

// NameString returns the name without its padding.
func (i *DynlibInfoEx) NameString() string {
	name, _, _ := bytes.Cut(i.Name[:], []byte{0})
	return string(name)
}

// Flags of [Linker.InfoEx].
const (
	InfoExTLSIndexFlags uint32 = 0x1
	InfoExHideSystem    uint32 = 0x2
)

func setName(dst *[256]byte, name string) {
	copy(dst[:len(dst)-1], name)
}

func segmentInfo(mem *Memory, kind SegmentKind, prot uint32) (SegmentInfo, bool) {
	seg, exists := mem.Segment(kind)
	if !exists {
		return SegmentInfo{}, false
	}

	return SegmentInfo{
		Addr: seg.Addr,
		Size: uint32(seg.Size), //nolint:gosec
		Prot: prot,
	}, true
}

// Info returns the info of the module with the given handle. System modules
// are refused.
func (l *Linker) Info(p *Process, handle uint32) (*DynlibInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.dynamic() {
		return nil, ErrNoDynamicLinker
	}

	md, exists := p.find(handle)
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrModuleNotFound, handle)
	}

	if md.Flags()&IsSystem != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSystemModule, md.path)
	}

	info := &DynlibInfo{
		Size:         DynlibInfoSize,
		SegmentCount: 2,
		Fingerprint:  md.Dynamic().Fingerprint,
	}

	setName(&info.Name, md.Name())

	info.Text, _ = segmentInfo(md.mem, SegmentText, infoProtText)
	info.Data, _ = segmentInfo(md.mem, SegmentData, infoProtData)

	if relro, exists := segmentInfo(md.mem, SegmentRelro, infoProtRelro); exists {
		info.Relro = relro
		info.SegmentCount++
	}

	slog.Debug("Module info",
		slog.String("path", md.path),
		slog.String("mapbase", fmt.Sprintf("%#x", info.Text.Addr)),
		slog.String("textsize", fmt.Sprintf("%#x", info.Text.Size)),
		slog.String("database", fmt.Sprintf("%#x", info.Data.Addr)),
		slog.String("datasize", fmt.Sprintf("%#x", info.Data.Size)),
	)

	return info, nil
}

// InfoEx returns the extended info of the module with the given handle.
func (l *Linker) InfoEx(p *Process, handle, flags uint32) (*DynlibInfoEx, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.dynamic() {
		return nil, ErrNoDynamicLinker
	}

	md, exists := p.find(handle)
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrModuleNotFound, handle)
	}

	mem := md.mem
	mdFlags := md.Flags()

	info := &DynlibInfoEx{
		Size:         DynlibInfoExSize,
		Handle:       md.id,
		SegmentCount: 2,
		RefCount:     md.RefCount(),
		TLSOffset:    uint32(md.TLSOffset()), //nolint:gosec
		TLSInit:      mem.Base(),
		EHFrameHdr:   mem.Base(),
	}

	info.Text, _ = segmentInfo(mem, SegmentText, infoProtText)
	info.Data, _ = segmentInfo(mem, SegmentData, infoProtData)

	if flags&InfoExHideSystem == 0 || mdFlags&IsSystem == 0 {
		setName(&info.Name, md.Name())
	}

	info.TLSIndex = md.tlsIndex & 0xffff

	if flags&InfoExTLSIndexFlags != 0 {
		var upper uint32

		if mdFlags&IsSystem != 0 {
			upper++
		}

		if mdFlags&MainProg != 0 {
			upper += 2
		}

		info.TLSIndex |= upper << 16
	}

	if tls, exists := md.TLS(); exists {
		info.TLSInit = mem.Address(tls.Vaddr)
		info.TLSInitSize = uint32(tls.FileSize) //nolint:gosec
		info.TLSSize = uint32(tls.MemSize)      //nolint:gosec
		info.TLSAlign = uint32(tls.Align)       //nolint:gosec
	}

	if dyn := md.Dynamic(); dyn != nil && mdFlags&NotGetProc == 0 {
		if dyn.HasInit {
			info.Init = mem.Address(dyn.Init)
		}

		if dyn.HasFini {
			info.Fini = mem.Address(dyn.Fini)
		}
	}

	if eh, exists := md.image.EHFrame(); exists {
		info.EHFrameHdr = mem.Address(eh.HdrAddr)
		info.EHFrameHdrSize = uint32(eh.HdrSize) //nolint:gosec
		info.EHFrame = mem.Address(eh.Addr)
		info.EHFrameSize = uint32(eh.Size) //nolint:gosec
	}

	slog.Debug("Module info",
		slog.String("path", md.path),
		slog.String("mapbase", fmt.Sprintf("%#x", info.Text.Addr)),
		slog.String("textsize", fmt.Sprintf("%#x", info.Text.Size)),
		slog.String("database", fmt.Sprintf("%#x", info.Data.Addr)),
		slog.String("datasize", fmt.Sprintf("%#x", info.Data.Size)),
		slog.Uint64("tlsindex", uint64(info.TLSIndex)),
		slog.String("tlsinit", fmt.Sprintf("%#x", info.TLSInit)),
		slog.String("tlsoffset", fmt.Sprintf("%#x", info.TLSOffset)),
		slog.String("init", fmt.Sprintf("%#x", info.Init)),
		slog.String("fini", fmt.Sprintf("%#x", info.Fini)),
		slog.String("eh_frame_hdr", fmt.Sprintf("%#x", info.EHFrameHdr)),
	)

	return info, nil
}
