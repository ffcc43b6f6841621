// Package hdlist reads and writes the binary RPM header concatenation
// format. A writer sits alongside the reader so round-trip idempotence —
// parsing a concatenation of headers emitted by this package's own
// encoder yields identical records — is testable.
package hdlist

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cavaliercoder/urpm-ng/internal/rpmmodel"
)

var magic = [3]byte{0x8e, 0xad, 0xe8}

const headerVersion = 1

// RPM tag identifiers.
const (
	tagName            = 1000
	tagVersion         = 1001
	tagRelease         = 1002
	tagEpoch           = 1003
	tagSummary         = 1004
	tagDescription     = 1005
	tagBuildTime       = 1006
	tagSize            = 1009
	tagLicense         = 1014
	tagGroup           = 1016
	tagURL             = 1020
	tagArch            = 1022
	tagBasenames       = 1117
	tagDirnames        = 1118
	tagDirindexes      = 1119
	tagProvideName     = 1047
	tagProvideFlags    = 1112
	tagProvideVersion  = 1113
	tagRequireName     = 1049
	tagRequireFlags    = 1048
	tagRequireVersion  = 1050
	tagConflictName    = 1054
	tagConflictFlags   = 1053
	tagConflictVersion = 1055
	tagObsoleteName    = 1090
	tagObsoleteFlags   = 1114
	tagObsoleteVersion = 1115
	tagRecommendName   = 5046
	tagSuggestName     = 5049
)

// RPM store data types.
const (
	typeNull = iota
	typeChar
	typeInt8
	typeInt16
	typeInt32
	typeInt64
	typeString
	typeBin
	typeStringArray
	typeI18NString
)

// RPM dependency sense flags, per standard RPM header conventions.
const (
	senseLess    = 0x02
	senseGreater = 0x04
	senseEqual   = 0x08
)

func flagsToOp(flags uint32) rpmmodel.Op {
	switch flags & (senseLess | senseGreater | senseEqual) {
	case senseEqual:
		return rpmmodel.OpEQ
	case senseLess:
		return rpmmodel.OpLT
	case senseLess | senseEqual:
		return rpmmodel.OpLE
	case senseGreater:
		return rpmmodel.OpGT
	case senseGreater | senseEqual:
		return rpmmodel.OpGE
	default:
		return rpmmodel.OpNone
	}
}

func opToFlags(op rpmmodel.Op) uint32 {
	switch op {
	case rpmmodel.OpEQ:
		return senseEqual
	case rpmmodel.OpLT:
		return senseLess
	case rpmmodel.OpLE:
		return senseLess | senseEqual
	case rpmmodel.OpGT:
		return senseGreater
	case rpmmodel.OpGE:
		return senseGreater | senseEqual
	default:
		return 0
	}
}

type indexEntry struct {
	tag, typ, offset, count uint32
}

type header struct {
	index []indexEntry
	store []byte
}

func (h *header) find(tag uint32) (indexEntry, bool) {
	for _, e := range h.index {
		if e.tag == tag {
			return e, true
		}
	}
	return indexEntry{}, false
}

func (h *header) getString(tag uint32) string {
	e, ok := h.find(tag)
	if !ok || e.typ != typeString {
		return ""
	}
	return nullTerminated(h.store, int(e.offset))
}

func (h *header) getInt32(tag uint32) uint32 {
	e, ok := h.find(tag)
	if !ok || e.typ != typeInt32 || int(e.offset)+4 > len(h.store) {
		return 0
	}
	return binary.BigEndian.Uint32(h.store[e.offset : e.offset+4])
}

func (h *header) getStringArray(tag uint32) []string {
	e, ok := h.find(tag)
	if !ok || e.typ != typeStringArray {
		return nil
	}
	out := make([]string, 0, e.count)
	pos := int(e.offset)
	for i := uint32(0); i < e.count; i++ {
		s := nullTerminated(h.store, pos)
		out = append(out, s)
		pos += len(s) + 1
	}
	return out
}

func (h *header) getInt32Array(tag uint32) []uint32 {
	e, ok := h.find(tag)
	if !ok || e.typ != typeInt32 {
		return nil
	}
	out := make([]uint32, 0, e.count)
	for i := uint32(0); i < e.count; i++ {
		off := int(e.offset) + int(i)*4
		if off+4 > len(h.store) {
			break
		}
		out = append(out, binary.BigEndian.Uint32(h.store[off:off+4]))
	}
	return out
}

func nullTerminated(b []byte, offset int) string {
	if offset < 0 || offset >= len(b) {
		return ""
	}
	end := bytes.IndexByte(b[offset:], 0)
	if end < 0 {
		return string(b[offset:])
	}
	return string(b[offset : offset+end])
}

// readHeader reads one frame from br, resynchronizing past stray bytes that
// precede the magic sequence. Returns
// io.EOF once no further magic sequence can be found.
func readHeader(br *bufio.Reader) (*header, error) {
	if err := resync(br); err != nil {
		return nil, err
	}

	var fixed [9]byte // version(1) + reserved(4) + nindex(4)
	if _, err := io.ReadFull(br, fixed[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	nindex := binary.BigEndian.Uint32(fixed[5:9])

	var hsizeBuf [4]byte
	if _, err := io.ReadFull(br, hsizeBuf[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	hsize := binary.BigEndian.Uint32(hsizeBuf[:])

	index := make([]indexEntry, nindex)
	var entry [16]byte
	for i := range index {
		if _, err := io.ReadFull(br, entry[:]); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		index[i] = indexEntry{
			tag:    binary.BigEndian.Uint32(entry[0:4]),
			typ:    binary.BigEndian.Uint32(entry[4:8]),
			offset: binary.BigEndian.Uint32(entry[8:12]),
			count:  binary.BigEndian.Uint32(entry[12:16]),
		}
	}

	store := make([]byte, hsize)
	if _, err := io.ReadFull(br, store); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	return &header{index: index, store: store}, nil
}

// resync advances br until the next occurrence of the magic sequence,
// discarding stray bytes in between. Returns io.EOF if the magic never
// recurs.
func resync(br *bufio.Reader) error {
	var window [3]byte
	n, err := io.ReadFull(br, window[:])
	if err == io.ErrUnexpectedEOF || (n == 0 && err == io.EOF) {
		return io.EOF
	}
	if err != nil {
		return err
	}

	for window != magic {
		b, err := br.ReadByte()
		if err != nil {
			return io.EOF
		}
		window[0], window[1], window[2] = window[1], window[2], b
	}
	return nil
}

func (h *header) decode() *rpmmodel.Package {
	p := &rpmmodel.Package{
		NEVRA: rpmmodel.NEVRA{
			Name:    h.getString(tagName),
			Epoch:   int(h.getInt32(tagEpoch)),
			Version: h.getString(tagVersion),
			Release: h.getString(tagRelease),
			Arch:    h.getString(tagArch),
		},
		Summary:     h.getString(tagSummary),
		Description: h.getString(tagDescription),
		Group:       h.getString(tagGroup),
		License:     h.getString(tagLicense),
		URL:         h.getString(tagURL),
		PackageSize: int64(h.getInt32(tagSize)),
		BuildTime:   int64(h.getInt32(tagBuildTime)),
	}
	if p.Arch == "" {
		p.Arch = "noarch"
	}

	p.Provides = decodeDeps(h, tagProvideName, tagProvideFlags, tagProvideVersion)
	p.Requires = decodeDeps(h, tagRequireName, tagRequireFlags, tagRequireVersion)
	p.Conflicts = decodeDeps(h, tagConflictName, tagConflictFlags, tagConflictVersion)
	p.Obsoletes = decodeDeps(h, tagObsoleteName, tagObsoleteFlags, tagObsoleteVersion)
	for _, n := range h.getStringArray(tagRecommendName) {
		p.Recommends = append(p.Recommends, rpmmodel.Capability{Name: n})
	}
	for _, n := range h.getStringArray(tagSuggestName) {
		p.Suggests = append(p.Suggests, rpmmodel.Capability{Name: n})
	}

	p.Files = decodeFiles(h)
	return p
}

func decodeDeps(h *header, nameTag, flagsTag, versionTag uint32) []rpmmodel.Capability {
	names := h.getStringArray(nameTag)
	if len(names) == 0 {
		return nil
	}
	flags := h.getInt32Array(flagsTag)
	versions := h.getStringArray(versionTag)

	caps := make([]rpmmodel.Capability, len(names))
	for i, n := range names {
		c := rpmmodel.Capability{Name: n}
		if i < len(versions) && versions[i] != "" {
			c.EVR = versions[i]
			if i < len(flags) {
				c.Op = flagsToOp(flags[i])
			}
		}
		caps[i] = c
	}
	return caps
}

func decodeFiles(h *header) []string {
	basenames := h.getStringArray(tagBasenames)
	dirnames := h.getStringArray(tagDirnames)
	dirindexes := h.getInt32Array(tagDirindexes)
	if len(basenames) == 0 {
		return nil
	}

	files := make([]string, 0, len(basenames))
	for i, base := range basenames {
		dir := ""
		if i < len(dirindexes) && int(dirindexes[i]) < len(dirnames) {
			dir = dirnames[dirindexes[i]]
		}
		files = append(files, dir+base)
	}
	return files
}

// Parse reads a decompressed stream of concatenated RPM headers and returns
// the package records it describes, advancing header-by-header and
// resynchronizing on magic mismatch until EOF
func Parse(r io.Reader) ([]*rpmmodel.Package, error) {
	br := bufio.NewReaderSize(r, 32*1024)
	var pkgs []*rpmmodel.Package

	for {
		h, err := readHeader(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return pkgs, fmt.Errorf("hdlist: %w", err)
		}
		pkgs = append(pkgs, h.decode())
	}
	return pkgs, nil
}

type storeBuilder struct {
	buf bytes.Buffer
}

func (s *storeBuilder) addString(str string) (offset, count uint32) {
	offset = uint32(s.buf.Len())
	s.buf.WriteString(str)
	s.buf.WriteByte(0)
	return offset, 1
}

func (s *storeBuilder) addStringArray(strs []string) (offset, count uint32) {
	offset = uint32(s.buf.Len())
	for _, str := range strs {
		s.buf.WriteString(str)
		s.buf.WriteByte(0)
	}
	return offset, uint32(len(strs))
}

func (s *storeBuilder) addInt32(v uint32) (offset, count uint32) {
	offset = uint32(s.buf.Len())
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	s.buf.Write(b[:])
	return offset, 1
}

func (s *storeBuilder) addInt32Array(vs []uint32) (offset, count uint32) {
	offset = uint32(s.buf.Len())
	var b [4]byte
	for _, v := range vs {
		binary.BigEndian.PutUint32(b[:], v)
		s.buf.Write(b[:])
	}
	return offset, uint32(len(vs))
}

// Encode renders pkgs as a concatenation of binary RPM headers in the
// standard frame layout, usable as the inverse of Parse.
func Encode(pkgs []*rpmmodel.Package) []byte {
	var out bytes.Buffer
	for _, p := range pkgs {
		encodeOne(&out, p)
	}
	return out.Bytes()
}

func encodeOne(out *bytes.Buffer, p *rpmmodel.Package) {
	sb := &storeBuilder{}
	var index []indexEntry

	addStr := func(tag uint32, v string) {
		if v == "" {
			return
		}
		off, cnt := sb.addString(v)
		index = append(index, indexEntry{tag: tag, typ: typeString, offset: off, count: cnt})
	}
	addInt := func(tag uint32, v uint32) {
		off, cnt := sb.addInt32(v)
		index = append(index, indexEntry{tag: tag, typ: typeInt32, offset: off, count: cnt})
	}

	addStr(tagName, p.Name)
	addStr(tagVersion, p.Version)
	addStr(tagRelease, p.Release)
	addInt(tagEpoch, uint32(p.Epoch))
	addStr(tagSummary, p.Summary)
	addStr(tagDescription, p.Description)
	addInt(tagBuildTime, uint32(p.BuildTime))
	addInt(tagSize, uint32(p.PackageSize))
	addStr(tagLicense, p.License)
	addStr(tagGroup, p.Group)
	addStr(tagURL, p.URL)
	addStr(tagArch, p.Arch)

	encodeDeps(sb, &index, tagProvideName, tagProvideFlags, tagProvideVersion, p.Provides)
	encodeDeps(sb, &index, tagRequireName, tagRequireFlags, tagRequireVersion, p.Requires)
	encodeDeps(sb, &index, tagConflictName, tagConflictFlags, tagConflictVersion, p.Conflicts)
	encodeDeps(sb, &index, tagObsoleteName, tagObsoleteFlags, tagObsoleteVersion, p.Obsoletes)

	if len(p.Recommends) > 0 {
		names := make([]string, len(p.Recommends))
		for i, c := range p.Recommends {
			names[i] = c.Name
		}
		off, cnt := sb.addStringArray(names)
		index = append(index, indexEntry{tag: tagRecommendName, typ: typeStringArray, offset: off, count: cnt})
	}
	if len(p.Suggests) > 0 {
		names := make([]string, len(p.Suggests))
		for i, c := range p.Suggests {
			names[i] = c.Name
		}
		off, cnt := sb.addStringArray(names)
		index = append(index, indexEntry{tag: tagSuggestName, typ: typeStringArray, offset: off, count: cnt})
	}

	encodeFiles(sb, &index, p.Files)

	writeFrame(out, index, sb.buf.Bytes())
}

// encodeFiles stores each file path as its own single-entry dirnames slot,
// trading the dictionary compression real hdlists use for a simple
// decode(encode(x)) == x guarantee.
func encodeFiles(sb *storeBuilder, index *[]indexEntry, files []string) {
	if len(files) == 0 {
		return
	}

	basenames := make([]string, len(files))
	dirnames := make([]string, len(files))
	dirindexes := make([]uint32, len(files))
	for i, f := range files {
		slash := bytes.LastIndexByte([]byte(f), '/')
		if slash < 0 {
			dirnames[i] = ""
			basenames[i] = f
		} else {
			dirnames[i] = f[:slash+1]
			basenames[i] = f[slash+1:]
		}
		dirindexes[i] = uint32(i)
	}

	off, cnt := sb.addStringArray(basenames)
	*index = append(*index, indexEntry{tag: tagBasenames, typ: typeStringArray, offset: off, count: cnt})
	off, cnt = sb.addStringArray(dirnames)
	*index = append(*index, indexEntry{tag: tagDirnames, typ: typeStringArray, offset: off, count: cnt})
	off, cnt = sb.addInt32Array(dirindexes)
	*index = append(*index, indexEntry{tag: tagDirindexes, typ: typeInt32, offset: off, count: cnt})
}

func encodeDeps(sb *storeBuilder, index *[]indexEntry, nameTag, flagsTag, versionTag uint32, caps []rpmmodel.Capability) {
	if len(caps) == 0 {
		return
	}

	names := make([]string, len(caps))
	versions := make([]string, len(caps))
	flags := make([]uint32, len(caps))
	for i, c := range caps {
		names[i] = c.Name
		versions[i] = c.EVR
		flags[i] = opToFlags(c.Op)
	}

	off, cnt := sb.addStringArray(names)
	*index = append(*index, indexEntry{tag: nameTag, typ: typeStringArray, offset: off, count: cnt})
	off, cnt = sb.addStringArray(versions)
	*index = append(*index, indexEntry{tag: versionTag, typ: typeStringArray, offset: off, count: cnt})
	off, cnt = sb.addInt32Array(flags)
	*index = append(*index, indexEntry{tag: flagsTag, typ: typeInt32, offset: off, count: cnt})
}

func writeFrame(out *bytes.Buffer, index []indexEntry, store []byte) {
	out.Write(magic[:])
	out.WriteByte(headerVersion)
	out.Write([]byte{0, 0, 0, 0}) // reserved

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(index)))
	out.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(store)))
	out.Write(u32[:])

	var entry [16]byte
	for _, e := range index {
		binary.BigEndian.PutUint32(entry[0:4], e.tag)
		binary.BigEndian.PutUint32(entry[4:8], e.typ)
		binary.BigEndian.PutUint32(entry[8:12], e.offset)
		binary.BigEndian.PutUint32(entry[12:16], e.count)
		out.Write(entry[:])
	}

	out.Write(store)
}
