package filesrv

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

// ErrUnsupportedFormat is returned for files that are neither WAV, MP3 nor Ogg Vorbis.
var ErrUnsupportedFormat = errors.New("unsupported audio file format")

// decoder produces interleaved float32 samples in [-1, 1].
type decoder interface {
	SampleRate() int
	Channels() int
	// Read fills dst with whole frames and returns the number of samples written.
	Read(dst []float32) (int, error)
}

// openDecoder picks a decoder by file extension.
func openDecoder(path string) (decoder, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	var dec decoder
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav", ".wave":
		dec, err = newWAVDecoder(f)
	case ".mp3":
		dec, err = newMP3Decoder(f)
	case ".ogg", ".oga":
		dec, err = newOggDecoder(f)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if dec.Channels() <= 0 || dec.SampleRate() <= 0 {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%s: invalid stream: %d channels at %d Hz", path, dec.Channels(), dec.SampleRate())
	}
	return dec, f, nil
}

// pcmDecoder serves samples decoded up front.
type pcmDecoder struct {
	rate     int
	channels int
	data     []float32
	pos      int
}

func (d *pcmDecoder) SampleRate() int { return d.rate }
func (d *pcmDecoder) Channels() int   { return d.channels }

func (d *pcmDecoder) Read(dst []float32) (int, error) {
	if d.pos >= len(d.data) {
		return 0, io.EOF
	}
	n := copy(dst[:len(dst)-len(dst)%d.channels], d.data[d.pos:])
	d.pos += n
	return n, nil
}

func newWAVDecoder(r io.ReadSeeker) (decoder, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file: %w", errors.Join(dec.Err(), ErrUnsupportedFormat))
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(math.Pow(2, float64(bitDepth-1)))
	// 8-bit PCM is unsigned with silence at 128.
	var offset float32
	if bitDepth == 8 {
		offset = 128
	}
	data := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		data[i] = (float32(v) - offset) / scale
	}

	return &pcmDecoder{
		rate:     int(dec.SampleRate),
		channels: int(dec.NumChans),
		data:     data,
	}, nil
}

// mp3Decoder converts go-mp3 output, always 16-bit little-endian stereo.
type mp3Decoder struct {
	dec *gomp3.Decoder
	buf []byte
}

func newMP3Decoder(r io.Reader) (decoder, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}
	return &mp3Decoder{dec: dec}, nil
}

func (d *mp3Decoder) SampleRate() int { return d.dec.SampleRate() }
func (d *mp3Decoder) Channels() int   { return 2 }

func (d *mp3Decoder) Read(dst []float32) (int, error) {
	frames := len(dst) / 2
	need := frames * 4
	if cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	d.buf = d.buf[:need]

	n, err := io.ReadFull(d.dec, d.buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	n -= n % 4
	for i := range n / 2 {
		v := int16(uint16(d.buf[2*i]) | uint16(d.buf[2*i+1])<<8)
		dst[i] = float32(v) / 32768
	}
	if n == 0 && err == nil {
		err = io.EOF
	}
	return n / 2, err
}

// oggDecoder wraps oggvorbis, which already yields interleaved float32.
type oggDecoder struct {
	dec *oggvorbis.Reader
}

func newOggDecoder(r io.Reader) (decoder, error) {
	dec, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("decode ogg: %w", err)
	}
	return &oggDecoder{dec: dec}, nil
}

func (d *oggDecoder) SampleRate() int { return d.dec.SampleRate() }
func (d *oggDecoder) Channels() int   { return d.dec.Channels() }

func (d *oggDecoder) Read(dst []float32) (int, error) {
	ch := d.dec.Channels()
	return d.dec.Read(dst[:len(dst)-len(dst)%ch])
}
