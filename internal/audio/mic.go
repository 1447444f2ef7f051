// Package audio captures microphone input for the call pipeline and keeps
// an encoded copy of each call for post-call review.
package audio

import (
	"encoding/binary"
	"io"

	"github.com/gordonklaus/portaudio"
)

// Mic wraps PortAudio with a configurable buffer size.
type Mic struct {
	stream *portaudio.Stream
	buf    []int16
	out    []byte
}

// NewMic opens a PortAudio capture stream with the given sample rate and
// buffer size in frames.
func NewMic(sampleRate, framesPerBuffer int) (*Mic, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Mic{stream: stream, buf: buf, out: make([]byte, framesPerBuffer*2)}, nil
}

func (m *Mic) Start() error { return m.stream.Start() }
func (m *Mic) Stop() error  { return m.stream.Stop() }

// Stream reads from the mic and writes PCM16-LE to w until an error or stop.
func (m *Mic) Stream(w io.Writer) error {
	for {
		if err := m.stream.Read(); err != nil {
			return err
		}
		for i, sample := range m.buf {
			binary.LittleEndian.PutUint16(m.out[i*2:], uint16(sample))
		}
		if _, err := w.Write(m.out); err != nil {
			return err
		}
	}
}
