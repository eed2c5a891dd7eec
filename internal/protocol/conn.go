package protocol

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/turbocopy/turbocopy/internal/codec"
	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// Options configures a Connection. It is passed explicitly rather than
// as a *jobconfig.Config so this package never needs to import the job
// configuration layer (jobconfig, in turn, depends on protocol only
// for DefaultPort).
type Options struct {
	Address            string
	Port               uint16
	ConnectTimeout      time.Duration
	CompressionEnabled bool
	CompressionLevel   int // 0 == adaptive
}

// Connection is one TCP stream bound to a single worker for its
// lifetime: connections are value-owned by their worker, never shared.
// A connection never has two operations in flight: every command here
// is a blocking request/response round trip.
type Connection struct {
	conn   net.Conn
	fw     *frameWriter
	fr     *frameReader
	opts   Options
	mu     sync.Mutex // serializes request/response round trips
	server VersionReply

	compressionNegotiated bool
	codec                 *codec.WholeFileCodec
}

// Dial opens a TCP connection, performs the mandatory Version
// handshake, and negotiates compression. A version mismatch is fatal
// to the connection (returned as *xerrors.Error with Kind
// VersionMismatch); the caller decides whether that is also fatal to
// the job.
func Dial(ctx context.Context, opts Options) (*Connection, error) {
	addr := fmt.Sprintf("%s:%d", opts.Address, opts.Port)
	var d net.Dialer
	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	raw, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, xerrors.New(xerrors.ServerUnavailable, "dial "+addr, err)
	}
	c := &Connection{
		conn: raw,
		fw:   newFrameWriter(raw),
		fr:   newFrameReader(raw),
		opts: opts,
	}
	if err := c.handshake(); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return c, nil
}

// DialWithRetry retries Dial with pacer backoff until it succeeds, ctx
// is done, or maxAttempts attempts have failed (maxAttempts <= 0 means
// no attempt limit). A version mismatch is returned without retrying.
func DialWithRetry(ctx context.Context, opts Options, maxAttempts int) (*Connection, error) {
	p := newPacer(25*time.Millisecond, 2*time.Second)
	var lastErr error
	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		c, err := Dial(ctx, opts)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if xerrors.KindOf(err) == xerrors.VersionMismatch {
			return nil, err // never retry a version mismatch
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.New(xerrors.Cancelled, "", ctx.Err())
		case <-time.After(p.next()):
		}
	}
	return nil, lastErr
}

func (c *Connection) handshake() error {
	req := VersionRequest{ClientVersion: ProtocolVersion, Features: FeatureCompression | FeatureDelta | FeatureHardlinkReuse}
	if err := c.fw.WriteFrame(KindVersion, req.encode()); err != nil {
		return err
	}
	if err := c.fw.Flush(); err != nil {
		return err
	}
	kind, payload, err := c.fr.ReadFrame()
	if err != nil {
		return err
	}
	if kind == KindError {
		return decodeErrorPayload(payload)
	}
	if kind != KindVersionReply {
		return xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected VersionReply, got %s", kind), nil)
	}
	rep, err := decodeVersionReply(payload)
	if err != nil {
		return err
	}
	c.server = rep
	if rep.ServerVersion != ProtocolVersion {
		return xerrors.New(xerrors.VersionMismatch, fmt.Sprintf("client=%d server=%d", ProtocolVersion, rep.ServerVersion), nil)
	}
	if c.opts.CompressionEnabled && rep.AcceptedFeatures&FeatureCompression != 0 {
		c.compressionNegotiated = true
		c.codec = codec.NewWholeFileCodec(c.opts.CompressionLevel)
	}
	return nil
}

// CompressionNegotiated reports whether this connection's handshake
// turned compression on. This happens at most once per connection and
// applies symmetrically to all payloads after.
func (c *Connection) CompressionNegotiated() bool { return c.compressionNegotiated }

// Codec returns the negotiated whole-file codec, or nil if compression
// was not negotiated.
func (c *Connection) Codec() *codec.WholeFileCodec { return c.codec }

// Close releases the underlying socket. Safe to call more than once.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// roundTrip sends one request frame and reads back exactly one
// response frame, translating a KindError response into an error. A
// single connection never has two operations in flight, so the mutex
// here only documents that invariant for callers that might otherwise
// be tempted to share a Connection across goroutines; normal use is
// already single-goroutine-per-connection.
func (c *Connection) roundTrip(reqKind Kind, payload []byte) (Kind, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fw.WriteFrame(reqKind, payload); err != nil {
		return 0, nil, err
	}
	if err := c.fw.Flush(); err != nil {
		return 0, nil, err
	}
	kind, resp, err := c.fr.ReadFrame()
	if err != nil {
		return 0, nil, err
	}
	if kind == KindError {
		return 0, nil, decodeErrorPayload(resp)
	}
	return kind, resp, nil
}

// Version returns the server's reply from the handshake Dial
// performed; it sends nothing on the wire.
func (c *Connection) Version() (VersionReply, error) {
	return c.server, nil
}

// WriteFile asks the server how it would like relDst sent.
func (c *Connection) WriteFile(req WriteFileRequest) (WriteFileReply, error) {
	kind, payload, err := c.roundTrip(KindWriteFile, req.encode())
	if err != nil {
		return WriteFileReply{}, err
	}
	if kind != KindWriteFileReply {
		return WriteFileReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected WriteFileReply, got %s", kind), nil)
	}
	return decodeWriteFileReply(payload)
}

// SendWhole streams src to the server as the body of a
// WriteFile-SendWhole exchange, then reads the Ack. When compression
// was negotiated on this connection, each chunk is compressed before
// framing and the receiver decompresses it transparently: compression
// applies symmetrically to all payloads once negotiated, so the
// choice lives here rather than in the per-file pipeline.
func (c *Connection) SendWhole(src io.Reader, size uint64) (AckReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 256*1024)
	var sent uint64
	var compressElapsed time.Duration
	for sent < size {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if c.compressionNegotiated {
				compressed, elapsed, cerr := c.codec.Compress(chunk)
				compressElapsed += elapsed
				if cerr != nil {
					return AckReply{}, cerr
				}
				chunk = compressed
			}
			if werr := c.fw.WriteFrame(KindSendData, chunk); werr != nil {
				return AckReply{}, werr
			}
			sent += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return AckReply{}, xerrors.New(xerrors.IoError, "reading send source", rerr)
		}
	}
	if err := c.fw.WriteFrame(KindSendDone, nil); err != nil {
		return AckReply{}, err
	}
	if err := c.fw.Flush(); err != nil {
		return AckReply{}, err
	}
	kind, payload, err := c.fr.ReadFrame()
	if err != nil {
		return AckReply{}, err
	}
	if kind == KindError {
		return AckReply{}, decodeErrorPayload(payload)
	}
	if kind != KindAck {
		return AckReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected Ack, got %s", kind), nil)
	}
	ack, err := decodeAckReply(payload)
	if err != nil {
		return AckReply{}, err
	}
	ack.CompressElapsed = compressElapsed
	return ack, nil
}

// SendDeltaScript sends an encoded delta script (see
// codec.EncodeScript) as a single KindSendData frame followed by
// KindSendDone, then reads the Ack. The receiver gets the whole script
// before it applies any instruction.
func (c *Connection) SendDeltaScript(instructions []byte) (AckReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fw.WriteFrame(KindSendData, instructions); err != nil {
		return AckReply{}, err
	}
	if err := c.fw.WriteFrame(KindSendDone, nil); err != nil {
		return AckReply{}, err
	}
	if err := c.fw.Flush(); err != nil {
		return AckReply{}, err
	}
	kind, payload, err := c.fr.ReadFrame()
	if err != nil {
		return AckReply{}, err
	}
	if kind == KindError {
		return AckReply{}, decodeErrorPayload(payload)
	}
	if kind != KindAck {
		return AckReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected Ack, got %s", kind), nil)
	}
	return decodeAckReply(payload)
}

// ReadFile asks the server to stream relSrc. On ReadFileStream the
// caller must then call RecvStream to drain the payload.
func (c *Connection) ReadFile(req ReadFileRequest) (ReadFileReply, error) {
	kind, payload, err := c.roundTrip(KindReadFile, req.encode())
	if err != nil {
		return ReadFileReply{}, err
	}
	if kind != KindReadFileReply {
		return ReadFileReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected ReadFileReply, got %s", kind), nil)
	}
	return decodeReadFileReply(payload)
}

// RecvStream drains KindSendData frames into dst until a KindSendDone
// sentinel, then reads the trailing Ack. Must be called immediately
// after a ReadFileReply with Outcome == ReadFileStream.
func (c *Connection) RecvStream(dst io.Writer) (AckReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var decompressElapsed time.Duration
	for {
		kind, payload, err := c.fr.ReadFrame()
		if err != nil {
			return AckReply{}, err
		}
		switch kind {
		case KindSendData:
			out := payload
			if c.compressionNegotiated {
				decompressed, elapsed, derr := codec.Decompress(payload)
				decompressElapsed += elapsed
				if derr != nil {
					return AckReply{}, derr
				}
				out = decompressed
			}
			if _, werr := dst.Write(out); werr != nil {
				return AckReply{}, xerrors.New(xerrors.IoError, "writing recv destination", werr)
			}
		case KindSendDone:
			kind2, payload2, err := c.fr.ReadFrame()
			if err != nil {
				return AckReply{}, err
			}
			if kind2 == KindError {
				return AckReply{}, decodeErrorPayload(payload2)
			}
			if kind2 != KindAck {
				return AckReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected Ack, got %s", kind2), nil)
			}
			ack, err := decodeAckReply(payload2)
			if err != nil {
				return AckReply{}, err
			}
			ack.DecompressElapsed = decompressElapsed
			return ack, nil
		case KindError:
			return AckReply{}, decodeErrorPayload(payload)
		default:
			return AckReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("unexpected frame %s mid-stream", kind), nil)
		}
	}
}

// CreateDirectory ensures relDir exists on the server.
func (c *Connection) CreateDirectory(req CreateDirectoryRequest) (CreateDirectoryReply, error) {
	kind, payload, err := c.roundTrip(KindCreateDirectory, req.encode())
	if err != nil {
		return CreateDirectoryReply{}, err
	}
	if kind != KindCreateDirectoryReply {
		return CreateDirectoryReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected CreateDirectoryReply, got %s", kind), nil)
	}
	return decodeCreateDirectoryReply(payload)
}

// DeleteAllFiles removes every regular file directly inside relDir.
func (c *Connection) DeleteAllFiles(req DeleteAllFilesRequest) error {
	kind, payload, err := c.roundTrip(KindDeleteAllFiles, req.encode())
	if err != nil {
		return err
	}
	if kind != KindAck {
		return xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected Ack, got %s", kind), nil)
	}
	_ = payload
	return nil
}

// FindFiles enumerates a directory+wildcard, reading entries until the
// FindFilesDone sentinel.
func (c *Connection) FindFiles(req FindFilesRequest) ([]FoundFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fw.WriteFrame(KindFindFiles, req.encode()); err != nil {
		return nil, err
	}
	if err := c.fw.Flush(); err != nil {
		return nil, err
	}
	var out []FoundFile
	for {
		kind, payload, err := c.fr.ReadFrame()
		if err != nil {
			return nil, err
		}
		switch kind {
		case KindFindFilesEntry:
			f, derr := decodeFoundFile(payload)
			if derr != nil {
				return nil, derr
			}
			out = append(out, f)
		case KindFindFilesDone:
			return out, nil
		case KindError:
			return nil, decodeErrorPayload(payload)
		default:
			return nil, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("unexpected frame %s during FindFiles", kind), nil)
		}
	}
}

// GetFileAttributes fetches metadata for one relative path.
func (c *Connection) GetFileAttributes(req GetFileAttributesRequest) (GetFileAttributesReply, error) {
	kind, payload, err := c.roundTrip(KindGetFileAttributes, req.encode())
	if err != nil {
		return GetFileAttributesReply{}, err
	}
	if kind != KindGetFileAttributesReply {
		return GetFileAttributesReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected GetFileAttributesReply, got %s", kind), nil)
	}
	return decodeGetFileAttributesReply(payload)
}

// ServerStatus requests a human-readable report from the server, used
// by the /STATS subcommand.
func (c *Connection) ServerStatus() (ServerStatusReply, error) {
	kind, payload, err := c.roundTrip(KindServerStatus, nil)
	if err != nil {
		return ServerStatusReply{}, err
	}
	if kind != KindServerStatusReply {
		return ServerStatusReply{}, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("expected ServerStatusReply, got %s", kind), nil)
	}
	return decodeServerStatusReply(payload)
}
