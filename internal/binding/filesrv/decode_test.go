package filesrv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestWAVDecoderBitDepths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		bitDepth    int
		left, right int
		want        [2]float32
	}{
		{"8-bit unsigned", 8, 192, 128, [2]float32{0.5, 0}},
		{"8-bit full negative", 8, 0, 255, [2]float32{-1, 127.0 / 128}},
		{"16-bit signed", 16, 16384, -16384, [2]float32{0.5, -0.5}},
		{"24-bit signed", 24, 1 << 22, 0, [2]float32{0.5, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "tone.wav")
			f, err := os.Create(path)
			if err != nil {
				t.Fatal(err)
			}
			enc := wav.NewEncoder(f, 44100, tt.bitDepth, 2, 1)
			buf := &audio.IntBuffer{
				Format:         &audio.Format{NumChannels: 2, SampleRate: 44100},
				Data:           []int{tt.left, tt.right, tt.left, tt.right},
				SourceBitDepth: tt.bitDepth,
			}
			if err := enc.Write(buf); err != nil {
				t.Fatal(err)
			}
			if err := enc.Close(); err != nil {
				t.Fatal(err)
			}
			if err := f.Close(); err != nil {
				t.Fatal(err)
			}

			r, err := os.Open(path)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = r.Close() })

			dec, err := newWAVDecoder(r)
			if err != nil {
				t.Fatalf("newWAVDecoder() error = %v", err)
			}
			got := make([]float32, 4)
			if n, err := dec.Read(got); n != 4 || err != nil {
				t.Fatalf("Read() = %d, %v", n, err)
			}
			if got[0] != tt.want[0] || got[1] != tt.want[1] {
				t.Errorf("frame = [%v %v], want %v", got[0], got[1], tt.want)
			}
		})
	}
}
