// Package codec implements TurboCopy's two compression strategies:
// whole-file streaming compression with adaptive level selection, and
// fixed-block rolling-hash delta encoding.
package codec

import (
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// MinLevel and MaxLevel bound the explicit (non-adaptive) compression
// level range.
const (
	MinLevel     = 1
	MaxLevel     = 22
	AdaptiveLevel = 0
)

// levelToEncoderLevel maps the tool's 1-22 scale onto zstd's four
// named speed/ratio tiers, the same way rclone's backends translate a
// user-facing "compression level" knob onto whatever granularity the
// underlying codec actually offers.
func levelToEncoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 12:
		return zstd.SpeedDefault
	case level <= 19:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// WholeFileCodec streams compress/decompress for one connection's
// whole-file transfers. When constructed with level 0 it adaptively
// picks a level from the first buffer it sees and holds that level for
// the rest of the connection's lifetime, reporting the chosen level
// through ChosenLevel for the caller to fold into
// compressionLevelSum/compressionAverageLevel.
type WholeFileCodec struct {
	requestedLevel int
	chosenLevel    int
	adapted        bool
}

// NewWholeFileCodec builds a codec for the given level (0 == adaptive).
func NewWholeFileCodec(level int) *WholeFileCodec {
	return &WholeFileCodec{requestedLevel: level, chosenLevel: level}
}

// ChosenLevel returns the level actually used. Before the first
// Compress call on an adaptive codec this equals AdaptiveLevel.
func (c *WholeFileCodec) ChosenLevel() int { return c.chosenLevel }

// Compress reads all of src, compresses it, and returns the compressed
// bytes plus how long compression took. For an adaptive codec, the
// level is chosen once per codec instance from the observed
// compression ratio and throughput of this call and held thereafter.
func (c *WholeFileCodec) Compress(src []byte) ([]byte, time.Duration, error) {
	start := time.Now()
	level := c.chosenLevel
	if c.requestedLevel == AdaptiveLevel && !c.adapted {
		level = c.adaptiveProbe(src)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(levelToEncoderLevel(level)))
	if err != nil {
		return nil, 0, xerrors.New(xerrors.IoError, "creating compressor", err)
	}
	defer enc.Close()
	out := enc.EncodeAll(src, nil)
	elapsed := time.Since(start)
	if c.requestedLevel == AdaptiveLevel && !c.adapted {
		c.chosenLevel = c.adjustForThroughput(level, len(src), elapsed)
		c.adapted = true
	}
	return out, elapsed, nil
}

// adaptiveProbe picks a starting level from a quick sample compression
// at the default speed of at most the first 256 KiB; the level depends
// only on the sample's compression ratio: above 0.9 gives 1, above 0.6
// gives 6, and anything lower gives 15.
func (c *WholeFileCodec) adaptiveProbe(src []byte) int {
	sample := src
	const maxSample = 256 * 1024
	if len(sample) > maxSample {
		sample = sample[:maxSample]
	}
	if len(sample) == 0 {
		return 6
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 6
	}
	defer enc.Close()
	compressed := enc.EncodeAll(sample, nil)
	ratio := float64(len(compressed)) / float64(len(sample))
	switch {
	case ratio > 0.9:
		return 1 // incompressible: don't pay for a high level
	case ratio > 0.6:
		return 6
	default:
		return 15
	}
}

// adjustForThroughput nudges the probed level down if compressing the
// sample was slow relative to the data volume, trading ratio for
// speed the way adaptive compression is meant to.
func (c *WholeFileCodec) adjustForThroughput(level, n int, elapsed time.Duration) int {
	if elapsed <= 0 || n == 0 {
		return level
	}
	mbPerSec := float64(n) / elapsed.Seconds() / (1024 * 1024)
	if mbPerSec < 20 && level > 6 {
		return 6
	}
	return level
}

// Decompress is level-agnostic: zstd frames self-describe the settings
// used to produce them.
func Decompress(compressed []byte) ([]byte, time.Duration, error) {
	start := time.Now()
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, 0, xerrors.New(xerrors.IoError, "creating decompressor", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, 0, xerrors.New(xerrors.IoError, "decompressing", err)
	}
	return out, time.Since(start), nil
}

// StreamCompress wraps w so that bytes written to the returned
// io.WriteCloser are zstd-compressed before reaching w, without
// holding the whole input in memory. Connection.SendWhole does not use
// it; it compresses each chunk with WholeFileCodec.Compress.
func StreamCompress(w io.Writer, level int) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(levelToEncoderLevel(level)))
	if err != nil {
		return nil, xerrors.New(xerrors.IoError, "creating stream compressor", err)
	}
	return enc, nil
}

// StreamDecompress wraps r so reads from the returned io.Reader yield
// decompressed bytes.
func StreamDecompress(r io.Reader) (io.Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, xerrors.New(xerrors.IoError, "creating stream decompressor", err)
	}
	return &zstdReader{dec: dec}, nil
}

type zstdReader struct {
	dec *zstd.Decoder
}

func (z *zstdReader) Read(p []byte) (int, error) { return z.dec.Read(p) }
