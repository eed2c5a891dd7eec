// Package pipeline implements the per-file decision ladder: skip,
// server-mediated send/recv with optional delta, or a local staged
// copy, always finishing with set_last_write_time and, when the job
// asks for it, attribute parity. Grounded on rclone's fs/sync
// equality-check-then-transfer discipline.
package pipeline

import (
	"encoding/hex"
	"io"
	"time"

	"github.com/turbocopy/turbocopy/internal/bufpool"
	"github.com/turbocopy/turbocopy/internal/codec"
	"github.com/turbocopy/turbocopy/internal/fsmeta"
	"github.com/turbocopy/turbocopy/internal/fsops"
	"github.com/turbocopy/turbocopy/internal/protocol"
	"github.com/turbocopy/turbocopy/internal/stats"
	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// Outcome names which branch of the decision ladder an entry took.
type Outcome int

const (
	OutcomeSkip Outcome = iota
	OutcomeCopy
	OutcomeLink
	OutcomeSend
	OutcomeSendDelta
	OutcomeRecv
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkip:
		return "skip"
	case OutcomeCopy:
		return "copy"
	case OutcomeLink:
		return "link"
	case OutcomeSend:
		return "send"
	case OutcomeSendDelta:
		return "sendDelta"
	case OutcomeRecv:
		return "recv"
	default:
		return "unknown"
	}
}

// Request describes one file the pipeline must reconcile.
type Request struct {
	SourcePath      string
	DestPath        string // local destination path, used when no destination-side connection is active
	RelativeDest    string // path relative to the destination connection's root, used for WriteFile/ReadFile
	SourceInfo      fsmeta.FileInfo
	SourceAttrs     fsmeta.Attributes
	ForceCopy       bool
	CopyAttributes  bool
	DeltaThreshold  uint64
	BufferedPolicy  fsops.BufferedPolicy
}

// Options carries the pipeline-wide collaborators a Request doesn't
// name individually.
type Options struct {
	Pool           *bufpool.Pool
	DestConn       *protocol.Connection // nil when writing straight to local disk
	SrcConn        *protocol.Connection // nil when reading straight from local disk
	ServerRequired bool                 // job's ServerPolicy == Required: a busy server aborts the file instead of falling back to local I/O
}

// Result is what Execute reports back to the scheduler: the chosen
// outcome and a worker-local stats Delta ready to merge.
type Result struct {
	Outcome Outcome
	Delta   stats.Delta
}

// Execute runs the decision ladder for one Request and returns once
// the destination reflects the source (or the attempt has failed). On
// any failure after content has started landing on local disk, the
// partially-written destination is deleted so a retry observes a
// clean state.
func Execute(req Request, opts Options) (Result, error) {
	var res Result

	if !req.ForceCopy && opts.DestConn == nil {
		if existing, _, err := fsops.Stat(req.DestPath); err == nil && existing.Equal(req.SourceInfo) {
			res.Outcome = OutcomeSkip
			res.Delta.SkipCount = 1
			res.Delta.SkipSize = req.SourceInfo.Size
			return res, nil
		}
	}

	if opts.DestConn != nil {
		return executeViaDestConn(req, opts, &res)
	}
	if opts.SrcConn != nil {
		return executeViaSrcConn(req, opts, &res)
	}
	return executeLocalCopy(req, opts, &res)
}

func executeViaDestConn(req Request, opts Options, res *Result) (Result, error) {
	conn := opts.DestConn
	reply, err := conn.WriteFile(protocol.WriteFileRequest{
		RelativeDst:    req.RelativeDest,
		Size:           uint64(req.SourceInfo.Size),
		LastWrite:      req.SourceInfo.ModTime,
		Flags:          req.SourceAttrs,
		DeltaThreshold: req.DeltaThreshold,
	})
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}

	switch reply.Outcome {
	case protocol.WriteFileAlreadyExists:
		res.Outcome = OutcomeSkip
		res.Delta.SkipCount = 1
		res.Delta.SkipSize = req.SourceInfo.Size
		return *res, nil

	case protocol.WriteFileSendDelta:
		return sendDelta(req, opts, res, reply)

	case protocol.WriteFileSendWhole:
		return sendWhole(req, opts, res)

	case protocol.WriteFileServerBusy:
		if opts.ServerRequired {
			return failAndCleanup(req, opts, res, xerrors.New(xerrors.ServerBusy, "destination server busy", nil))
		}
		return executeLocalCopy(req, opts, res)

	default:
		return failAndCleanup(req, opts, res, xerrors.New(xerrors.ProtocolError, "unexpected WriteFile outcome", nil))
	}
}

func sendWhole(req Request, opts Options, res *Result) (Result, error) {
	src, err := fsops.OpenRead(req.SourcePath, req.BufferedPolicy)
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}
	defer src.Close()

	sendStart := time.Now()
	ack, err := opts.DestConn.SendWhole(src, uint64(req.SourceInfo.Size))
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}
	res.Delta.AddPhase(stats.PhaseSend, time.Since(sendStart))
	if ack.CompressElapsed > 0 {
		res.Delta.AddPhase(stats.PhaseCompress, ack.CompressElapsed)
		res.Delta.AddCompressionLevel(opts.DestConn.Codec().ChosenLevel())
	}
	res.Delta.BytesSent += int64(ack.BytesTransferred)
	if ack.Linked {
		res.Outcome = OutcomeLink
		res.Delta.LinkCount = 1
		res.Delta.LinkSize = req.SourceInfo.Size
	} else {
		res.Outcome = OutcomeSend
		res.Delta.CopyCount = 1
		res.Delta.CopySize = req.SourceInfo.Size
	}
	res.Delta.ServerUsedDest = true
	return *res, nil
}

func sendDelta(req Request, opts Options, res *Result, reply protocol.WriteFileReply) (Result, error) {
	oldData, err := fetchForDelta(req, opts)
	if err != nil {
		return sendWhole(req, opts, res) // signature referenced a version we can't read locally; fall back
	}
	newData, err := readAll(req.SourcePath, req.BufferedPolicy)
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}

	blocks := make([]codec.Block, len(reply.Signature))
	for i, s := range reply.Signature {
		var strong [16]byte
		raw, decErr := hex.DecodeString(s.Strong)
		if decErr != nil {
			return sendWhole(req, opts, res)
		}
		copy(strong[:], raw)
		blocks[i] = codec.Block{Index: s.Index, Weak: s.Weak, Strong: strong}
	}
	deltaStart := time.Now()
	ops := codec.BuildScript(newData, oldData, blocks, codec.DefaultBlockSize)
	script := codec.EncodeScript(ops)
	res.Delta.AddPhase(stats.PhaseDelta, time.Since(deltaStart))

	ack, err := opts.DestConn.SendDeltaScript(script)
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}
	res.Delta.BytesSent += int64(len(script))
	if ack.Linked {
		res.Outcome = OutcomeLink
		res.Delta.LinkCount = 1
		res.Delta.LinkSize = req.SourceInfo.Size
	} else {
		res.Outcome = OutcomeSendDelta
		res.Delta.CopyCount = 1
		res.Delta.CopySize = req.SourceInfo.Size
	}
	res.Delta.ServerUsedDest = true
	return *res, nil
}

// fetchForDelta reads the receiver's prior version of the destination
// file so BuildScript can diff against it locally. The sender holds
// only the new version; when it also has local visibility into the
// destination tree (the common case — source and destination are
// reachable from the same process) it reads the old bytes straight off
// disk instead of asking the server to replay them.
func fetchForDelta(req Request, opts Options) ([]byte, error) {
	return readAll(req.DestPath, req.BufferedPolicy)
}

func executeViaSrcConn(req Request, opts Options, res *Result) (Result, error) {
	reply, err := opts.SrcConn.ReadFile(protocol.ReadFileRequest{RelativeSrc: req.RelativeDest})
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}
	if reply.Outcome == protocol.ReadFileNotFound {
		return failAndCleanup(req, opts, res, xerrors.New(xerrors.NotFound, req.SourcePath, nil))
	}
	if reply.Outcome == protocol.ReadFileServerBusy {
		if opts.ServerRequired {
			return failAndCleanup(req, opts, res, xerrors.New(xerrors.ServerBusy, "source server busy", nil))
		}
		return executeLocalCopy(req, opts, res)
	}

	dst, err := fsops.OpenWrite(req.DestPath, req.BufferedPolicy, int64(reply.Size))
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}

	recvStart := time.Now()
	ack, err := opts.SrcConn.RecvStream(dst)
	if err != nil {
		_ = dst.Close()
		return failAndCleanup(req, opts, res, err)
	}
	res.Delta.AddPhase(stats.PhaseRecv, time.Since(recvStart))
	if ack.DecompressElapsed > 0 {
		res.Delta.AddPhase(stats.PhaseDecompress, ack.DecompressElapsed)
		res.Delta.AddCompressionLevel(opts.SrcConn.Codec().ChosenLevel())
	}
	if err := dst.SetLastWriteTime(reply.LastWrite); err != nil {
		_ = dst.Close()
		return failAndCleanup(req, opts, res, err)
	}
	if err := dst.Close(); err != nil {
		return failAndCleanup(req, opts, res, err)
	}
	if req.CopyAttributes {
		if err := fsops.SetAttributes(req.DestPath, req.SourceAttrs); err != nil {
			return failAndCleanup(req, opts, res, err)
		}
	}

	res.Outcome = OutcomeRecv
	res.Delta.CopyCount = 1
	res.Delta.CopySize = int64(ack.BytesTransferred)
	res.Delta.BytesRecv += int64(ack.BytesTransferred)
	res.Delta.ServerUsedSource = true
	return *res, nil
}

// executeLocalCopy copies through a single buffer from the job's pool,
// for when neither end has a server connection available. Each chunk
// is read and then written before the next read starts; reads and
// writes are not overlapped.
func executeLocalCopy(req Request, opts Options, res *Result) (Result, error) {
	src, err := fsops.OpenRead(req.SourcePath, req.BufferedPolicy)
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}
	defer src.Close()

	createStart := time.Now()
	dst, err := fsops.OpenWrite(req.DestPath, req.BufferedPolicy, req.SourceInfo.Size)
	if err != nil {
		return failAndCleanup(req, opts, res, err)
	}
	res.Delta.AddPhase(stats.PhaseCreateWrite, time.Since(createStart))

	buf := opts.Pool.Get()
	defer opts.Pool.Put(buf)

	var written int64
	var readElapsed, writeElapsed time.Duration
	for written < req.SourceInfo.Size {
		readStart := time.Now()
		n, rerr := src.Read(buf)
		readElapsed += time.Since(readStart)
		if n > 0 {
			writeStart := time.Now()
			_, werr := dst.Write(buf[:n])
			writeElapsed += time.Since(writeStart)
			if werr != nil {
				_ = dst.Close()
				return failAndCleanup(req, opts, res, werr)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = dst.Close()
			return failAndCleanup(req, opts, res, rerr)
		}
	}
	res.Delta.AddPhase(stats.PhaseRead, readElapsed)
	res.Delta.AddPhase(stats.PhaseWrite, writeElapsed)

	setTimeStart := time.Now()
	if err := dst.SetLastWriteTime(req.SourceInfo.ModTime); err != nil {
		_ = dst.Close()
		return failAndCleanup(req, opts, res, err)
	}
	res.Delta.AddPhase(stats.PhaseSetLastWriteTime, time.Since(setTimeStart))
	if err := dst.Close(); err != nil {
		return failAndCleanup(req, opts, res, err)
	}
	if req.CopyAttributes {
		if err := fsops.SetAttributes(req.DestPath, req.SourceAttrs); err != nil {
			return failAndCleanup(req, opts, res, err)
		}
	}

	res.Outcome = OutcomeCopy
	res.Delta.CopyCount = 1
	res.Delta.CopySize = written
	return *res, nil
}

// failAndCleanup deletes any partially written destination file before
// returning err, so a subsequent retry starts from a clean state.
func failAndCleanup(req Request, opts Options, res *Result, err error) (Result, error) {
	if opts.DestConn == nil {
		_ = fsops.DeleteFile(req.DestPath)
	}
	res.Delta.FailCount = 1
	return *res, err
}

func readAll(path string, policy fsops.BufferedPolicy) ([]byte, error) {
	h, err := fsops.OpenRead(path, policy)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	var out []byte
	buf := make([]byte, 256*1024)
	for {
		n, rerr := h.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	return out, nil
}
