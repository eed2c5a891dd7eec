package protocol

import (
	"time"

	"github.com/turbocopy/turbocopy/internal/fsmeta"
	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// ProtocolVersion is this client's wire version. A mismatch with the
// server's version is fatal to the connection.
const ProtocolVersion uint32 = 1

// Feature is a bit in the Version handshake's feature mask.
type Feature uint32

const (
	FeatureCompression Feature = 1 << iota
	FeatureDelta
	FeatureHardlinkReuse
)

// VersionRequest is the mandatory first exchange on a new connection.
type VersionRequest struct {
	ClientVersion uint32
	Features      Feature
}

func (r VersionRequest) encode() []byte {
	buf := make([]byte, 0, 8)
	buf = putU32(buf, r.ClientVersion)
	buf = putU32(buf, uint32(r.Features))
	return buf
}

// VersionReply is the server's answer to VersionRequest.
type VersionReply struct {
	ServerVersion    uint32
	AcceptedFeatures Feature
}

func decodeVersionReply(b []byte) (VersionReply, error) {
	var rep VersionReply
	v, b, err := getU32(b)
	if err != nil {
		return rep, err
	}
	rep.ServerVersion = v
	f, _, err := getU32(b)
	if err != nil {
		return rep, err
	}
	rep.AcceptedFeatures = Feature(f)
	return rep, nil
}

// WriteFileOutcome is the server's disposition for a WriteFile request.
type WriteFileOutcome uint8

const (
	WriteFileAlreadyExists WriteFileOutcome = iota
	WriteFileSendWhole
	WriteFileSendDelta
	WriteFileServerBusy
)

// WriteFileRequest asks the server how it would like the file sent.
// DeltaThreshold carries the job's configured delta-compression
// threshold so the server — which alone knows whether a prior
// destination version exists — can decide whether to offer SendDelta.
type WriteFileRequest struct {
	RelativeDst   string
	Size          uint64
	LastWrite     time.Time
	Flags         fsmeta.Attributes
	DeltaThreshold uint64
}

func (r WriteFileRequest) encode() []byte {
	buf := make([]byte, 0, 40+len(r.RelativeDst))
	buf = putString(buf, r.RelativeDst)
	buf = putU64(buf, r.Size)
	buf = putU64(buf, uint64(r.LastWrite.UnixNano()))
	buf = putU32(buf, uint32(r.Flags))
	buf = putU64(buf, r.DeltaThreshold)
	return buf
}

// WriteFileReply is the server's response to WriteFileRequest.
type WriteFileReply struct {
	Outcome   WriteFileOutcome
	Signature []BlockSignature // only populated when Outcome == WriteFileSendDelta
}

func decodeWriteFileReply(b []byte) (WriteFileReply, error) {
	var rep WriteFileReply
	outcome, b, err := getByte(b)
	if err != nil {
		return rep, err
	}
	rep.Outcome = WriteFileOutcome(outcome)
	if rep.Outcome != WriteFileSendDelta {
		return rep, nil
	}
	count, b, err := getU32(b)
	if err != nil {
		return rep, err
	}
	rep.Signature = make([]BlockSignature, count)
	for i := range rep.Signature {
		var weak uint32
		weak, b, err = getU32(b)
		if err != nil {
			return rep, err
		}
		var strong string
		strong, b, err = getString(b)
		if err != nil {
			return rep, err
		}
		rep.Signature[i] = BlockSignature{Index: i, Weak: weak, Strong: strong}
	}
	return rep, nil
}

// BlockSignature is one fixed-size block's rolling-hash signature, as
// exchanged for delta transfer.
type BlockSignature struct {
	Index  int
	Weak   uint32
	Strong string // hex-encoded strong hash
}

// AckReply acknowledges a completed SendWhole/SendDelta/ReadFile
// transfer. CompressElapsed/DecompressElapsed are never on the wire —
// SendWhole/RecvStream fill them in locally from the codec calls they
// made, for the caller to fold into its phase timers.
type AckReply struct {
	BytesTransferred  uint64
	Linked            bool // true if the server satisfied the write via hardlink reuse
	CompressElapsed   time.Duration
	DecompressElapsed time.Duration
}

func decodeAckReply(b []byte) (AckReply, error) {
	var rep AckReply
	n, b, err := getU64(b)
	if err != nil {
		return rep, err
	}
	rep.BytesTransferred = n
	linked, _, err := getByte(b)
	if err != nil {
		return rep, err
	}
	rep.Linked = linked != 0
	return rep, nil
}

// ReadFileRequest asks the server to stream a source-side file.
type ReadFileRequest struct {
	RelativeSrc string
}

func (r ReadFileRequest) encode() []byte {
	return putString(nil, r.RelativeSrc)
}

// ReadFileOutcome is the server's disposition for a ReadFile request.
type ReadFileOutcome uint8

const (
	ReadFileNotFound ReadFileOutcome = iota
	ReadFileStream
	ReadFileServerBusy
)

// ReadFileReply precedes the streamed payload on ReadFileStream.
type ReadFileReply struct {
	Outcome   ReadFileOutcome
	Size      uint64
	LastWrite time.Time
}

func decodeReadFileReply(b []byte) (ReadFileReply, error) {
	var rep ReadFileReply
	outcome, b, err := getByte(b)
	if err != nil {
		return rep, err
	}
	rep.Outcome = ReadFileOutcome(outcome)
	if rep.Outcome != ReadFileStream {
		return rep, nil
	}
	size, b, err := getU64(b)
	if err != nil {
		return rep, err
	}
	rep.Size = size
	nanos, _, err := getU64(b)
	if err != nil {
		return rep, err
	}
	rep.LastWrite = time.Unix(0, int64(nanos)).UTC()
	return rep, nil
}

// CreateDirectoryRequest asks the server to ensure a relative
// directory path exists.
type CreateDirectoryRequest struct {
	RelativeDir string
	Flags       fsmeta.Attributes
}

func (r CreateDirectoryRequest) encode() []byte {
	buf := putString(nil, r.RelativeDir)
	buf = putU32(buf, uint32(r.Flags))
	return buf
}

// CreateDirectoryReply enumerates the directories the server actually
// created, which the client merges into its own CreatedDirSet.
type CreateDirectoryReply struct {
	Created []string
}

func decodeCreateDirectoryReply(b []byte) (CreateDirectoryReply, error) {
	var rep CreateDirectoryReply
	count, b, err := getU32(b)
	if err != nil {
		return rep, err
	}
	rep.Created = make([]string, count)
	for i := range rep.Created {
		var s string
		s, b, err = getString(b)
		if err != nil {
			return rep, err
		}
		rep.Created[i] = s
	}
	return rep, nil
}

// DeleteAllFilesRequest asks the server to remove every regular file
// directly inside a relative directory. The scheduler's purge pass
// does not send it; it deletes through the local filesystem.
type DeleteAllFilesRequest struct {
	RelativeDir string
}

func (r DeleteAllFilesRequest) encode() []byte {
	return putString(nil, r.RelativeDir)
}

// FindFilesRequest enumerates a relative directory against a wildcard.
type FindFilesRequest struct {
	RelativeDirAndWildcard string
}

func (r FindFilesRequest) encode() []byte {
	return putString(nil, r.RelativeDirAndWildcard)
}

// FoundFile is one entry in a FindFiles response stream.
type FoundFile struct {
	Name       string
	Info       fsmeta.FileInfo
	Attributes fsmeta.Attributes
}

func decodeFoundFile(b []byte) (FoundFile, error) {
	var f FoundFile
	name, b, err := getString(b)
	if err != nil {
		return f, err
	}
	f.Name = name
	size, b, err := getU64(b)
	if err != nil {
		return f, err
	}
	nanos, b, err := getU64(b)
	if err != nil {
		return f, err
	}
	attrs, _, err := getU32(b)
	if err != nil {
		return f, err
	}
	f.Info = fsmeta.FileInfo{Size: int64(size), ModTime: time.Unix(0, int64(nanos)).UTC()}
	f.Attributes = fsmeta.Attributes(attrs)
	return f, nil
}

// GetFileAttributesRequest fetches metadata for a single relative
// path.
type GetFileAttributesRequest struct {
	RelativePath string
}

func (r GetFileAttributesRequest) encode() []byte {
	return putString(nil, r.RelativePath)
}

// GetFileAttributesReply carries the result, including a NotFound-style
// error code rather than failing the whole command.
type GetFileAttributesReply struct {
	Info       fsmeta.FileInfo
	Attributes fsmeta.Attributes
	ErrorCode  uint32 // 0 == no error
}

func decodeGetFileAttributesReply(b []byte) (GetFileAttributesReply, error) {
	var rep GetFileAttributesReply
	size, b, err := getU64(b)
	if err != nil {
		return rep, err
	}
	nanos, b, err := getU64(b)
	if err != nil {
		return rep, err
	}
	attrs, b, err := getU32(b)
	if err != nil {
		return rep, err
	}
	errCode, _, err := getU32(b)
	if err != nil {
		return rep, err
	}
	rep.Info = fsmeta.FileInfo{Size: int64(size), ModTime: time.Unix(0, int64(nanos)).UTC()}
	rep.Attributes = fsmeta.Attributes(attrs)
	rep.ErrorCode = errCode
	return rep, nil
}

// ServerStatusReply is the free-form report used by the /STATS
// subcommand.
type ServerStatusReply struct {
	Report string
}

func decodeServerStatusReply(b []byte) (ServerStatusReply, error) {
	s, _, err := getString(b)
	return ServerStatusReply{Report: s}, err
}

// decodeErrorPayload turns a KindError frame's payload into an
// *xerrors.Error.
func decodeErrorPayload(b []byte) error {
	reason, _, err := getString(b)
	if err != nil {
		reason = "malformed error frame"
	}
	return xerrors.New(xerrors.ProtocolError, reason, nil)
}
