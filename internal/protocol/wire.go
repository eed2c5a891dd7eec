package protocol

import (
	"net"
	"time"

	"github.com/turbocopy/turbocopy/internal/fsmeta"
)

// RawConn exposes the frame codec to the server side of the protocol
// (internal/protocol/testserver), without exposing the client-only
// Connection type's handshake/round-trip bookkeeping.
type RawConn struct {
	fw *frameWriter
	fr *frameReader
	nc net.Conn
}

// NewRawConn wraps an already-accepted net.Conn for frame I/O.
func NewRawConn(nc net.Conn) *RawConn {
	return &RawConn{fw: newFrameWriter(nc), fr: newFrameReader(nc), nc: nc}
}

func (r *RawConn) ReadFrame() (Kind, []byte, error)        { return r.fr.ReadFrame() }
func (r *RawConn) WriteFrame(kind Kind, payload []byte) error {
	if err := r.fw.WriteFrame(kind, payload); err != nil {
		return err
	}
	return r.fw.Flush()
}
func (r *RawConn) Close() error { return r.nc.Close() }

// --- server-side request decoders / reply encoders ---
// These mirror commands.go's client-side encode/decode pairs but run
// in the opposite direction, so the in-process test server
// (protocol/testserver) can speak both halves of the wire format
// without duplicating the frame codec.

func DecodeVersionRequest(b []byte) (VersionRequest, error) {
	var req VersionRequest
	v, b, err := getU32(b)
	if err != nil {
		return req, err
	}
	req.ClientVersion = v
	f, _, err := getU32(b)
	if err != nil {
		return req, err
	}
	req.Features = Feature(f)
	return req, nil
}

func EncodeVersionReply(rep VersionReply) []byte {
	buf := putU32(nil, rep.ServerVersion)
	buf = putU32(buf, uint32(rep.AcceptedFeatures))
	return buf
}

func DecodeWriteFileRequest(b []byte) (WriteFileRequest, error) {
	var req WriteFileRequest
	name, b, err := getString(b)
	if err != nil {
		return req, err
	}
	req.RelativeDst = name
	size, b, err := getU64(b)
	if err != nil {
		return req, err
	}
	req.Size = size
	nanos, b, err := getU64(b)
	if err != nil {
		return req, err
	}
	req.LastWrite = time.Unix(0, int64(nanos)).UTC()
	flags, b, err := getU32(b)
	if err != nil {
		return req, err
	}
	req.Flags = fsmeta.Attributes(flags)
	threshold, _, err := getU64(b)
	if err != nil {
		return req, err
	}
	req.DeltaThreshold = threshold
	return req, nil
}

func EncodeWriteFileReply(rep WriteFileReply) []byte {
	buf := putByte(nil, byte(rep.Outcome))
	if rep.Outcome != WriteFileSendDelta {
		return buf
	}
	buf = putU32(buf, uint32(len(rep.Signature)))
	for _, s := range rep.Signature {
		buf = putU32(buf, s.Weak)
		buf = putString(buf, s.Strong)
	}
	return buf
}

func EncodeAck(rep AckReply) []byte {
	buf := putU64(nil, rep.BytesTransferred)
	linked := byte(0)
	if rep.Linked {
		linked = 1
	}
	return putByte(buf, linked)
}

func DecodeReadFileRequest(b []byte) (ReadFileRequest, error) {
	s, _, err := getString(b)
	return ReadFileRequest{RelativeSrc: s}, err
}

func EncodeReadFileReply(rep ReadFileReply) []byte {
	buf := putByte(nil, byte(rep.Outcome))
	if rep.Outcome != ReadFileStream {
		return buf
	}
	buf = putU64(buf, rep.Size)
	buf = putU64(buf, uint64(rep.LastWrite.UnixNano()))
	return buf
}

func DecodeCreateDirectoryRequest(b []byte) (CreateDirectoryRequest, error) {
	var req CreateDirectoryRequest
	name, b, err := getString(b)
	if err != nil {
		return req, err
	}
	req.RelativeDir = name
	flags, _, err := getU32(b)
	if err != nil {
		return req, err
	}
	req.Flags = fsmeta.Attributes(flags)
	return req, nil
}

func EncodeCreateDirectoryReply(rep CreateDirectoryReply) []byte {
	buf := putU32(nil, uint32(len(rep.Created)))
	for _, d := range rep.Created {
		buf = putString(buf, d)
	}
	return buf
}

func DecodeDeleteAllFilesRequest(b []byte) (DeleteAllFilesRequest, error) {
	s, _, err := getString(b)
	return DeleteAllFilesRequest{RelativeDir: s}, err
}

func DecodeFindFilesRequest(b []byte) (FindFilesRequest, error) {
	s, _, err := getString(b)
	return FindFilesRequest{RelativeDirAndWildcard: s}, err
}

func EncodeFoundFile(f FoundFile) []byte {
	buf := putString(nil, f.Name)
	buf = putU64(buf, uint64(f.Info.Size))
	buf = putU64(buf, uint64(f.Info.ModTime.UnixNano()))
	buf = putU32(buf, uint32(f.Attributes))
	return buf
}

func DecodeGetFileAttributesRequest(b []byte) (GetFileAttributesRequest, error) {
	s, _, err := getString(b)
	return GetFileAttributesRequest{RelativePath: s}, err
}

func EncodeGetFileAttributesReply(rep GetFileAttributesReply) []byte {
	buf := putU64(nil, uint64(rep.Info.Size))
	buf = putU64(buf, uint64(rep.Info.ModTime.UnixNano()))
	buf = putU32(buf, uint32(rep.Attributes))
	buf = putU32(buf, rep.ErrorCode)
	return buf
}

func EncodeServerStatusReply(rep ServerStatusReply) []byte {
	return putString(nil, rep.Report)
}

// EncodeErrorPayload builds a KindError frame payload from a reason
// string.
func EncodeErrorPayload(reason string) []byte {
	return putString(nil, reason)
}
