package pcm

import "encoding/binary"

const sample16Scale = 32768.0

// Decoder converts chunks of interleaved Int16LE PCM bytes into normalized
// float samples in [-1, 1], classifying inline sentinel runs as it goes.
//
// A Decoder is stateful: a sentinel-candidate run may start in one Decode
// call and resolve in a later one, so candidate samples are held back
// (not yet appended to any returned slice) until they are confirmed as a
// sentinel or rejected and restored. This generalizes the spec's
// "restore to original position" rule across call boundaries without the
// decoder needing write access to output it has already returned.
type Decoder struct {
	held []int16
}

// NewDecoder returns a Decoder ready to process the start of a PCM stream.
func NewDecoder() *Decoder {
	return &Decoder{held: make([]int16, 0, 8)}
}

// Decode accepts a byte buffer whose length is a multiple of 2 (one Int16
// sample) and returns the resolved float samples plus zero or more
// sentinels classified during this call, in the order they occurred.
//
// Total samples returned across the lifetime of a Decoder, once Flush is
// called at end of stream, equals len(all bytes fed)/2.
func (d *Decoder) Decode(buf []byte) ([]float32, []Sentinel) {
	n := len(buf) / 2
	out := make([]float32, 0, n+len(d.held))
	var sentinels []Sentinel

	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))

		if isCandidate(v) {
			d.held = append(d.held, v)
			if len(d.held) == 8 {
				if s, ok := classify(d.held); ok {
					for range d.held {
						out = append(out, 0.0)
					}
					sentinels = append(sentinels, s)
				} else {
					out = appendRestored(out, d.held)
				}
				d.held = d.held[:0]
			}
			continue
		}

		if len(d.held) > 0 {
			out = appendRestored(out, d.held)
			d.held = d.held[:0]
		}
		out = append(out, float32(v)/sample16Scale)
	}

	return out, sentinels
}

// Flush resolves any in-flight candidate run as non-sentinel (the run
// never reached 8 samples before the stream ended) and clears decoder
// state. Call it once when tearing down a session so invariant 1 (total
// samples emitted) holds over a finite byte stream.
func (d *Decoder) Flush() []float32 {
	if len(d.held) == 0 {
		return nil
	}
	out := appendRestored(nil, d.held)
	d.held = d.held[:0]
	return out
}

func appendRestored(out []float32, held []int16) []float32 {
	for _, hv := range held {
		out = append(out, float32(hv)/sample16Scale)
	}
	return out
}
