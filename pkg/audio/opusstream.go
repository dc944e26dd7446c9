package audio

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

const (
	// encodeFrameSamples is the encoder frame size: 20 ms at 24 kHz.
	encodeFrameSamples = 480

	// maxDecodeSamples bounds decoded frame size: 120 ms at 24 kHz.
	maxDecodeSamples = 2880

	// opusPreSkip is the standard libopus encoder lookahead in 48 kHz samples,
	// declared in the OpusHead header.
	opusPreSkip = 312

	// maxEncodedBytes bounds one encoded Opus packet.
	maxEncodedBytes = 4000
)

// ── StreamReader ───────────────────────────────────────────────────────────────

// StreamReader turns an incoming Opus-in-Ogg byte stream into float32 PCM.
// Chunks may be split at arbitrary byte boundaries; pages and packets are
// reassembled internally. The first two packets of the stream (OpusHead and
// OpusTags) are consumed silently.
type StreamReader struct {
	dec         *gopus.Decoder
	pages       pageReader
	pending     []byte
	headersSeen int
}

// NewStreamReader returns a reader decoding to the pipeline format.
func NewStreamReader() (*StreamReader, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &StreamReader{dec: dec}, nil
}

// Append feeds more bytes into the reader and returns any PCM decoded from
// packets completed by this chunk. The returned slice may be empty.
func (r *StreamReader) Append(data []byte) ([]float32, error) {
	r.pages.Append(data)

	var pcm []float32
	for {
		p, err := r.pages.Next()
		if err != nil {
			return pcm, err
		}
		if p == nil {
			return pcm, nil
		}

		// A fresh stream invalidates any half-assembled packet.
		if p.headerType&pageBOS != 0 {
			r.pending = r.pending[:0]
			r.headersSeen = 0
		}

		for i, seg := range p.segments {
			r.pending = append(r.pending, seg...)
			if p.segmentSizes[i] == 255 {
				continue // packet continues in the next segment or page
			}

			packet := make([]byte, len(r.pending))
			copy(packet, r.pending)
			r.pending = r.pending[:0]

			if r.headersSeen < 2 {
				r.headersSeen++
				continue
			}
			if len(packet) == 0 {
				continue
			}

			samples, err := r.dec.Decode(packet, maxDecodeSamples, false)
			if err != nil {
				return pcm, fmt.Errorf("audio: opus decode: %w", err)
			}
			pcm = append(pcm, Int16ToFloat32(samples)...)
		}
	}
}

// ── StreamWriter ───────────────────────────────────────────────────────────────

// StreamWriter turns float32 PCM into an Opus-in-Ogg byte stream. PCM pushes
// of any size are buffered into fixed encoder frames, so a push may yield
// zero bytes; the Ogg headers are emitted together with the first data page.
type StreamWriter struct {
	enc     *gopus.Encoder
	pages   pageWriter
	buf     []float32
	granule uint64
	started bool
}

// NewStreamWriter returns a writer encoding from the pipeline format.
func NewStreamWriter() (*StreamWriter, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &StreamWriter{enc: enc}, nil
}

// WritePCM buffers pcm and returns any complete Ogg pages produced. The
// returned slice is empty until at least one full encoder frame is available.
func (w *StreamWriter) WritePCM(pcm []float32) ([]byte, error) {
	w.buf = append(w.buf, pcm...)
	if len(w.buf) < encodeFrameSamples {
		return nil, nil
	}

	var out []byte
	if !w.started {
		head, err := w.writeHeaders()
		if err != nil {
			return nil, err
		}
		out = append(out, head...)
		w.started = true
	}

	for len(w.buf) >= encodeFrameSamples {
		frame := Float32ToInt16(w.buf[:encodeFrameSamples])
		w.buf = w.buf[encodeFrameSamples:]

		packet, err := w.enc.Encode(frame, encodeFrameSamples, maxEncodedBytes)
		if err != nil {
			return nil, fmt.Errorf("audio: opus encode: %w", err)
		}

		// Ogg/Opus granule positions count 48 kHz samples regardless of the
		// encoder's input rate.
		w.granule += encodeFrameSamples * 48000 / SampleRate
		pageBytes, err := w.pages.writePage(0, w.granule, packet)
		if err != nil {
			return nil, err
		}
		out = append(out, pageBytes...)
	}
	return out, nil
}

// writeHeaders emits the OpusHead BOS page and the OpusTags page.
func (w *StreamWriter) writeHeaders() ([]byte, error) {
	head := make([]byte, 0, 19)
	head = append(head, "OpusHead"...)
	head = append(head, 1, Channels)
	head = binary.LittleEndian.AppendUint16(head, opusPreSkip)
	head = binary.LittleEndian.AppendUint32(head, SampleRate)
	head = binary.LittleEndian.AppendUint16(head, 0) // output gain
	head = append(head, 0)                           // mapping family

	const vendor = "voxaid"
	tags := make([]byte, 0, 8+4+len(vendor)+4)
	tags = append(tags, "OpusTags"...)
	tags = binary.LittleEndian.AppendUint32(tags, uint32(len(vendor)))
	tags = append(tags, vendor...)
	tags = binary.LittleEndian.AppendUint32(tags, 0) // no user comments

	headPage, err := w.pages.writePage(pageBOS, 0, head)
	if err != nil {
		return nil, err
	}
	tagsPage, err := w.pages.writePage(0, 0, tags)
	if err != nil {
		return nil, err
	}
	return append(headPage, tagsPage...), nil
}
