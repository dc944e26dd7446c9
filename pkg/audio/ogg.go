package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Ogg page header flags (byte 5 of a page).
const (
	pageContinued byte = 0x01
	pageBOS       byte = 0x02
	pageEOS       byte = 0x04
)

const pageHeaderSize = 27

var oggCapture = []byte("OggS")

// HasBeginOfStream reports whether data starts with an Ogg page carrying the
// beginning-of-stream flag. Reconnecting clients occasionally replay stale
// mid-stream pages from a previous session; callers must discard audio until
// this flag has been seen so the decoder is never fed a partial stream.
func HasBeginOfStream(data []byte) bool {
	return len(data) > 5 && data[5]&pageBOS != 0
}

// ── CRC ────────────────────────────────────────────────────────────────────────

// Ogg uses CRC-32 with polynomial 0x04c11db7, zero initial value, and no
// final inversion.
var oggCRCTable = makeOggCRCTable()

func makeOggCRCTable() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}

func oggCRC(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

// ── Page parsing ───────────────────────────────────────────────────────────────

// page is one parsed Ogg page. Segments hold the raw lacing segments in
// order; packet assembly happens a layer above.
type page struct {
	headerType byte
	granule    uint64
	serial     uint32
	sequence   uint32
	segments   [][]byte
	// segmentSizes mirrors the lacing table so packet boundaries (a segment
	// shorter than 255 bytes) can be recovered.
	segmentSizes []int
}

// pageReader incrementally splits a byte stream into Ogg pages. Feed it
// arbitrary chunk boundaries with Append and drain complete pages with Next.
type pageReader struct {
	buf []byte
}

func (r *pageReader) Append(data []byte) {
	r.buf = append(r.buf, data...)
}

var errShortPage = errors.New("incomplete page")

// Next returns the next complete page, or (nil, nil) when more data is
// needed. Garbage before a capture pattern is skipped.
func (r *pageReader) Next() (*page, error) {
	// Resynchronise on the capture pattern.
	for len(r.buf) >= len(oggCapture) && string(r.buf[:4]) != "OggS" {
		r.buf = r.buf[1:]
	}

	p, consumed, err := parsePage(r.buf)
	if errors.Is(err, errShortPage) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.buf = r.buf[consumed:]
	return p, nil
}

func parsePage(buf []byte) (*page, int, error) {
	if len(buf) < pageHeaderSize {
		return nil, 0, errShortPage
	}
	if string(buf[:4]) != "OggS" {
		return nil, 0, fmt.Errorf("audio: bad ogg capture pattern %q", buf[:4])
	}
	if buf[4] != 0 {
		return nil, 0, fmt.Errorf("audio: unsupported ogg version %d", buf[4])
	}

	nSegments := int(buf[26])
	if len(buf) < pageHeaderSize+nSegments {
		return nil, 0, errShortPage
	}
	lacing := buf[pageHeaderSize : pageHeaderSize+nSegments]

	bodyLen := 0
	for _, l := range lacing {
		bodyLen += int(l)
	}
	total := pageHeaderSize + nSegments + bodyLen
	if len(buf) < total {
		return nil, 0, errShortPage
	}

	p := &page{
		headerType: buf[5],
		granule:    binary.LittleEndian.Uint64(buf[6:14]),
		serial:     binary.LittleEndian.Uint32(buf[14:18]),
		sequence:   binary.LittleEndian.Uint32(buf[18:22]),
	}

	offset := pageHeaderSize + nSegments
	for _, l := range lacing {
		seg := make([]byte, int(l))
		copy(seg, buf[offset:offset+int(l)])
		p.segments = append(p.segments, seg)
		p.segmentSizes = append(p.segmentSizes, int(l))
		offset += int(l)
	}

	return p, total, nil
}

// ── Page writing ───────────────────────────────────────────────────────────────

// pageWriter serialises packets into Ogg pages for a single logical stream.
type pageWriter struct {
	serial   uint32
	sequence uint32
}

// writePage emits one page containing exactly one packet. Packets of 255*255
// bytes or more are not supported; Opus packets at our bitrates stay far
// below that.
func (w *pageWriter) writePage(headerType byte, granule uint64, packet []byte) ([]byte, error) {
	if len(packet) >= 255*255 {
		return nil, fmt.Errorf("audio: packet too large for one page (%d bytes)", len(packet))
	}

	// Lacing: repeated 255s plus a terminating short segment. A packet whose
	// length is a multiple of 255 needs an explicit zero-length terminator.
	var lacing []byte
	remaining := len(packet)
	for remaining >= 255 {
		lacing = append(lacing, 255)
		remaining -= 255
	}
	lacing = append(lacing, byte(remaining))

	out := make([]byte, 0, pageHeaderSize+len(lacing)+len(packet))
	out = append(out, oggCapture...)
	out = append(out, 0, headerType)
	out = binary.LittleEndian.AppendUint64(out, granule)
	out = binary.LittleEndian.AppendUint32(out, w.serial)
	out = binary.LittleEndian.AppendUint32(out, w.sequence)
	out = binary.LittleEndian.AppendUint32(out, 0) // CRC placeholder
	out = append(out, byte(len(lacing)))
	out = append(out, lacing...)
	out = append(out, packet...)

	binary.LittleEndian.PutUint32(out[22:26], oggCRC(out))
	w.sequence++
	return out, nil
}
