package linker

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// EhRecord is one CIE or FDE of an .eh_frame input section. Records are
// never edited in place: Kept and OutOffset are the mask and the fold
// computed over them.
type EhRecord struct {
	Offset uint64
	// Size includes the length field.
	Size       uint64
	IsCIE      bool
	Terminator bool
	// CIE is the record an FDE refers to.
	CIE    *EhRecord
	Relocs []*Reloc

	Kept      bool
	OutOffset uint64

	frame  *EhFrame
	idOff  uint64
	leader *EhRecord
	broken bool
}

type EhFrame struct {
	Isec    *InputSection
	Records []*EhRecord
}

func (r *EhRecord) canonical() *EhRecord {
	if r.leader != nil {
		return r.leader
	}
	return r
}

func (r *EhRecord) contents() []byte {
	return r.frame.Isec.Contents[r.Offset : r.Offset+r.Size]
}

// target is the section an FDE describes, taken from its pc_begin
// relocation.
func (r *EhRecord) target(ctx *Context) *InputSection {
	if len(r.Relocs) == 0 {
		return nil
	}
	return r.Relocs[0].Symbol(ctx).InputSection
}

// ParseEhFrames splits every .eh_frame input section into records and
// attaches each FDE to the section it describes.
func ParseEhFrames(ctx *Context) {
	for _, o := range ctx.Objs {
		for _, isec := range o.Sections {
			if isec == nil || !isec.IsLive() || isec.Name != ".eh_frame" || isec.IsNobits() {
				continue
			}
			f := parseEhFrame(ctx, isec)
			isec.EhFrame = f
			ctx.EhFrameSecs = append(ctx.EhFrameSecs, f)

			for _, rec := range f.Records {
				if rec.IsCIE || rec.Terminator || rec.broken {
					continue
				}
				if t := rec.target(ctx); t != nil {
					t.Fdes = append(t.Fdes, rec)
				}
			}
		}
	}
}

func parseEhFrame(ctx *Context, isec *InputSection) *EhFrame {
	f := &EhFrame{Isec: isec}
	layout := isec.File.Layout
	data := isec.Contents
	n := uint64(len(data))
	cies := make(map[uint64]*EhRecord)
	ri := 0

	for off := uint64(0); off < n; {
		if off+4 > n {
			ctx.Warnf("%s: truncated record at 0x%x", isec, off)
			break
		}
		length := uint64(layout.Uint32(data[off:]))
		hdr := uint64(4)
		if length == 0 {
			f.Records = append(f.Records, &EhRecord{Offset: off, Size: 4, Terminator: true, frame: f})
			off += 4
			continue
		}
		if length == 0xffffffff {
			if off+12 > n {
				ctx.Warnf("%s: truncated record at 0x%x", isec, off)
				break
			}
			length = layout.Uint64(data[off+4:])
			hdr = 12
		}
		if length < 4 || off+hdr+length > n {
			ctx.Warnf("%s: record at 0x%x overruns the section", isec, off)
			break
		}

		rec := &EhRecord{Offset: off, Size: hdr + length, idOff: hdr, frame: f}
		id := uint64(layout.Uint32(data[off+hdr:]))
		rec.IsCIE = id == 0

		for ri < len(isec.Relocs) && isec.Relocs[ri].Offset < off {
			ri++
		}
		start := ri
		for ri < len(isec.Relocs) && isec.Relocs[ri].Offset < off+rec.Size {
			ri++
		}
		rec.Relocs = isec.Relocs[start:ri]

		if rec.IsCIE {
			cies[off] = rec
		} else if id > off+hdr || cies[off+hdr-id] == nil {
			ctx.Warnf("%s: FDE at 0x%x refers to an unknown CIE, skipped", isec, off)
			rec.broken = true
		} else {
			rec.CIE = cies[off+hdr-id]
		}

		f.Records = append(f.Records, rec)
		off += rec.Size
	}
	return f
}

// cieKey hashes a CIE's bytes together with its relocations, so CIEs
// naming the same personality routine compare equal across objects.
func cieKey(ctx *Context, rec *EhRecord) uint64 {
	d := xxhash.New()
	d.Write(rec.contents())
	var buf [24]byte
	for _, r := range rec.Relocs {
		binary.LittleEndian.PutUint64(buf[0:], r.Offset-rec.Offset)
		binary.LittleEndian.PutUint32(buf[8:], r.Type)
		binary.LittleEndian.PutUint32(buf[12:], uint32(r.Symbol(ctx).ID))
		binary.LittleEndian.PutUint64(buf[16:], uint64(r.Addend))
		d.Write(buf[:])
	}
	return d.Sum64()
}

func sameCIE(ctx *Context, a, b *EhRecord) bool {
	if !bytes.Equal(a.contents(), b.contents()) || len(a.Relocs) != len(b.Relocs) {
		return false
	}
	for i := range a.Relocs {
		x, y := a.Relocs[i], b.Relocs[i]
		if x.Offset-a.Offset != y.Offset-b.Offset || x.Type != y.Type ||
			x.Addend != y.Addend || x.Symbol(ctx) != y.Symbol(ctx) {
			return false
		}
	}
	return true
}

// FinalizeEhFrames drops duplicate CIEs and the FDEs of dead sections,
// then computes every record's output offset in one fold over the kept
// records. Relocations of dropped records are discarded and the rest
// move with their record.
func FinalizeEhFrames(ctx *Context) {
	leaders := make(map[uint64][]*EhRecord)
	for _, f := range ctx.EhFrameSecs {
		if !f.Isec.IsLive() {
			continue
		}
		for _, rec := range f.Records {
			if !rec.IsCIE {
				continue
			}
			key := cieKey(ctx, rec)
			for _, l := range leaders[key] {
				if sameCIE(ctx, l, rec) {
					rec.leader = l
					break
				}
			}
			if rec.leader == nil {
				leaders[key] = append(leaders[key], rec)
			}
		}
	}

	for _, f := range ctx.EhFrameSecs {
		if !f.Isec.IsLive() {
			continue
		}
		out := uint64(0)
		for _, rec := range f.Records {
			switch {
			case rec.Terminator:
				rec.Kept = true
			case rec.IsCIE:
				rec.Kept = rec.leader == nil
			default:
				t := rec.target(ctx)
				rec.Kept = !rec.broken && t != nil && t.IsLive()
			}
			if rec.Kept {
				rec.OutOffset = out
				out += rec.Size
			}
		}

		for _, r := range f.Isec.Relocs {
			r.Offset |= 1 << 63
		}
		for _, rec := range f.Records {
			for _, r := range rec.Relocs {
				r.Offset &^= 1 << 63
				if rec.Kept {
					r.Offset = r.Offset - rec.Offset + rec.OutOffset
				} else {
					r.Discard(ctx)
				}
			}
		}
		for _, r := range f.Isec.Relocs {
			if r.Offset&(1<<63) != 0 {
				r.Offset &^= 1 << 63
				r.Discard(ctx)
			}
		}

		ctx.debug("msg", "eh_frame folded", "section", f.Isec.String(),
			"from", f.Isec.Size, "to", out)
		f.Isec.Size = out
	}
}

// CopyContents writes the kept records at their folded offsets and
// points every FDE at its canonical CIE.
func (f *EhFrame) CopyContents(ctx *Context, buf []byte) {
	layout := ctx.Layout()
	for _, rec := range f.Records {
		if !rec.Kept {
			continue
		}
		copy(buf[rec.OutOffset:], rec.contents())
		if rec.IsCIE || rec.Terminator {
			continue
		}
		cie := rec.CIE.canonical()
		ptr := f.Isec.GetAddr() + rec.OutOffset + rec.idOff
		cieAddr := cie.frame.Isec.GetAddr() + cie.OutOffset
		layout.PutUint32(buf[rec.OutOffset+rec.idOff:], uint32(ptr-cieAddr))
	}
}

// EhFrameHdrSection is .eh_frame_hdr: a pointer to .eh_frame and a
// binary search table over the kept FDEs.
type EhFrameHdrSection struct {
	synthSection
	fdes []*EhRecord
}

const (
	dwEhPeUdata4  = 0x03
	dwEhPeSdata4  = 0x0b
	dwEhPePcrel   = 0x10
	dwEhPeDatarel = 0x30
)

func NewEhFrameHdrSection(ctx *Context) *EhFrameHdrSection {
	s := &EhFrameHdrSection{}
	s.synthSection = newSynthSection(ctx, ".eh_frame_hdr", elf.SHT_PROGBITS, elf.SHF_ALLOC, 0, 4, s)
	return s
}

// UpdateSize counts the kept FDEs. It runs after FinalizeEhFrames.
func (s *EhFrameHdrSection) UpdateSize(ctx *Context) {
	s.fdes = s.fdes[:0]
	for _, f := range ctx.EhFrameSecs {
		if !f.Isec.IsLive() {
			continue
		}
		for _, rec := range f.Records {
			if rec.Kept && !rec.IsCIE && !rec.Terminator {
				s.fdes = append(s.fdes, rec)
			}
		}
	}
	s.Isec.Size = 12 + 8*uint64(len(s.fdes))
}

func pcBegin(ctx *Context, fde *EhRecord) uint64 {
	r := fde.Relocs[0]
	return r.Symbol(ctx).GetAddr(ctx) + uint64(r.Addend)
}

func (s *EhFrameHdrSection) WriteTo(ctx *Context, buf []byte) {
	layout := ctx.Layout()
	hdr := s.GetAddr()

	var ehFrame uint64
	for _, f := range ctx.EhFrameSecs {
		if f.Isec.IsLive() && f.Isec.OutputSection != nil {
			ehFrame = f.Isec.OutputSection.Shdr.Addr
			break
		}
	}

	buf[0] = 1
	buf[1] = dwEhPePcrel | dwEhPeSdata4
	buf[2] = dwEhPeUdata4
	buf[3] = dwEhPeDatarel | dwEhPeSdata4
	layout.PutUint32(buf[4:], uint32(ehFrame-(hdr+4)))
	layout.PutUint32(buf[8:], uint32(len(s.fdes)))

	type entry struct{ loc, addr uint64 }
	entries := make([]entry, 0, len(s.fdes))
	for _, fde := range s.fdes {
		entries = append(entries, entry{pcBegin(ctx, fde), fde.frame.Isec.GetAddr() + fde.OutOffset})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].loc < entries[j].loc
	})
	for i, e := range entries {
		layout.PutUint32(buf[12+8*i:], uint32(e.loc-hdr))
		layout.PutUint32(buf[16+8*i:], uint32(e.addr-hdr))
	}
}
