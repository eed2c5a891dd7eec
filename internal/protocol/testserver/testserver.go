// Package testserver is an in-process fake acceleration service used
// only by this module's test suite to exercise the client-side
// protocol engine end to end (handshake, whole-file send, delta send,
// hardlink-reuse Ack). The real service-side process ships separately;
// this is test scaffolding, not a deliverable.
package testserver

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/turbocopy/turbocopy/internal/codec"
	"github.com/turbocopy/turbocopy/internal/fsmeta"
	"github.com/turbocopy/turbocopy/internal/protocol"
)

// Server is a minimal conformant peer for the wire protocol, backed
// by a real directory on disk.
type Server struct {
	Root      string
	BlockSize int
	Busy      bool // when true, WriteFile/ReadFile report ServerBusy instead of serving the request

	mu      sync.Mutex
	history map[string]string // content md5 hex -> absolute path holding that content
	conns   int

	ln net.Listener
	wg sync.WaitGroup
}

// New creates a server rooted at root (must already exist).
func New(root string) *Server {
	return &Server{Root: root, BlockSize: codec.DefaultBlockSize, history: map[string]string{}}
}

// ListenAndServe starts accepting connections on 127.0.0.1 with an
// OS-assigned port and returns the address to dial.
func (s *Server) ListenAndServe() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return ln.Addr().String(), nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

// Close stops accepting connections and waits for in-flight handlers
// to finish.
func (s *Server) Close() error {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	rc := protocol.NewRawConn(nc)
	kind, payload, err := rc.ReadFrame()
	if err != nil || kind != protocol.KindVersion {
		return
	}
	req, err := protocol.DecodeVersionRequest(payload)
	if err != nil {
		return
	}
	if req.ClientVersion != protocol.ProtocolVersion {
		_ = rc.WriteFrame(protocol.KindVersionReply, protocol.EncodeVersionReply(protocol.VersionReply{ServerVersion: protocol.ProtocolVersion | 0xFF000000}))
		return
	}
	compressed := req.Features&protocol.FeatureCompression != 0
	if err := rc.WriteFrame(protocol.KindVersionReply, protocol.EncodeVersionReply(protocol.VersionReply{
		ServerVersion:    protocol.ProtocolVersion,
		AcceptedFeatures: req.Features,
	})); err != nil {
		return
	}

	for {
		kind, payload, err := rc.ReadFrame()
		if err != nil {
			return
		}
		switch kind {
		case protocol.KindWriteFile:
			if !s.handleWriteFile(rc, payload, compressed) {
				return
			}
		case protocol.KindReadFile:
			if !s.handleReadFile(rc, payload, compressed) {
				return
			}
		case protocol.KindCreateDirectory:
			if !s.handleCreateDirectory(rc, payload) {
				return
			}
		case protocol.KindDeleteAllFiles:
			if !s.handleDeleteAllFiles(rc, payload) {
				return
			}
		case protocol.KindFindFiles:
			if !s.handleFindFiles(rc, payload) {
				return
			}
		case protocol.KindGetFileAttributes:
			if !s.handleGetFileAttributes(rc, payload) {
				return
			}
		case protocol.KindServerStatus:
			if !s.handleServerStatus(rc) {
				return
			}
		default:
			_ = rc.WriteFrame(protocol.KindError, protocol.EncodeErrorPayload(fmt.Sprintf("unexpected command %s", kind)))
			return
		}
	}
}

func (s *Server) absPath(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(rel))
}

func (s *Server) handleWriteFile(rc *protocol.RawConn, payload []byte, compressed bool) bool {
	req, err := protocol.DecodeWriteFileRequest(payload)
	if err != nil {
		return false
	}
	if s.Busy {
		return rc.WriteFrame(protocol.KindWriteFileReply, protocol.EncodeWriteFileReply(protocol.WriteFileReply{Outcome: protocol.WriteFileServerBusy})) == nil
	}
	dest := s.absPath(req.RelativeDst)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		_ = rc.WriteFrame(protocol.KindError, protocol.EncodeErrorPayload(err.Error()))
		return false
	}

	var oldData []byte
	if fi, statErr := os.Stat(dest); statErr == nil {
		if fi.Size() == int64(req.Size) && fi.ModTime().Equal(req.LastWrite) {
			return rc.WriteFrame(protocol.KindWriteFileReply, protocol.EncodeWriteFileReply(protocol.WriteFileReply{Outcome: protocol.WriteFileAlreadyExists})) == nil
		}
		if req.Size >= req.DeltaThreshold {
			data, readErr := os.ReadFile(dest)
			if readErr == nil {
				oldData = data
			}
		}
	}

	var reply protocol.WriteFileReply
	if oldData != nil {
		sig := codec.Signature(oldData, s.BlockSize)
		reply = protocol.WriteFileReply{Outcome: protocol.WriteFileSendDelta, Signature: toWireSignature(sig)}
	} else {
		reply = protocol.WriteFileReply{Outcome: protocol.WriteFileSendWhole}
	}
	if err := rc.WriteFrame(protocol.KindWriteFileReply, protocol.EncodeWriteFileReply(reply)); err != nil {
		return false
	}

	data, err := s.drainSend(rc, compressed, reply.Outcome == protocol.WriteFileSendDelta, oldData)
	if err != nil {
		_ = rc.WriteFrame(protocol.KindError, protocol.EncodeErrorPayload(err.Error()))
		return false
	}

	linked, err := s.commit(dest, data, req.LastWrite)
	if err != nil {
		_ = rc.WriteFrame(protocol.KindError, protocol.EncodeErrorPayload(err.Error()))
		return false
	}
	return rc.WriteFrame(protocol.KindAck, protocol.EncodeAck(protocol.AckReply{BytesTransferred: uint64(len(data)), Linked: linked})) == nil
}

// drainSend reads SendData frames until SendDone and returns the
// reconstructed file content: decompressing whole-file chunks, or
// applying a delta script against oldData.
func (s *Server) drainSend(rc *protocol.RawConn, compressed, isDelta bool, oldData []byte) ([]byte, error) {
	var whole []byte
	var scriptBytes []byte
	for {
		kind, payload, err := rc.ReadFrame()
		if err != nil {
			return nil, err
		}
		if kind == protocol.KindSendDone {
			break
		}
		if kind != protocol.KindSendData {
			return nil, fmt.Errorf("unexpected frame %s mid-transfer", kind)
		}
		if isDelta {
			scriptBytes = append(scriptBytes, payload...)
			continue
		}
		chunk := payload
		if compressed {
			decompressed, _, derr := codec.Decompress(payload)
			if derr != nil {
				return nil, derr
			}
			chunk = decompressed
		}
		whole = append(whole, chunk...)
	}
	if isDelta {
		ops, err := codec.DecodeScript(scriptBytes)
		if err != nil {
			return nil, err
		}
		return codec.Apply(oldData, ops)
	}
	return whole, nil
}

// commit writes data to dest, reusing a hardlink from content history
// when an identical-content file is already known. Ack reports Linked
// so the client's stats count it as a Link rather than a Copy.
func (s *Server) commit(dest string, data []byte, lastWrite time.Time) (linked bool, err error) {
	sum := md5.Sum(data)
	key := hex.EncodeToString(sum[:])

	s.mu.Lock()
	historyPath, ok := s.history[key]
	s.mu.Unlock()

	if ok {
		if _, statErr := os.Stat(historyPath); statErr == nil && historyPath != dest {
			_ = os.Remove(dest)
			if linkErr := os.Link(historyPath, dest); linkErr == nil {
				_ = os.Chtimes(dest, lastWrite, lastWrite)
				return true, nil
			}
		}
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return false, err
	}
	if err := os.Chtimes(dest, lastWrite, lastWrite); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.history[key] = dest
	s.mu.Unlock()
	return false, nil
}

func toWireSignature(blocks []codec.Block) []protocol.BlockSignature {
	out := make([]protocol.BlockSignature, len(blocks))
	for i, b := range blocks {
		out[i] = protocol.BlockSignature{Index: b.Index, Weak: b.Weak, Strong: b.StrongHex()}
	}
	return out
}

func (s *Server) handleReadFile(rc *protocol.RawConn, payload []byte, compressed bool) bool {
	req, err := protocol.DecodeReadFileRequest(payload)
	if err != nil {
		return false
	}
	if s.Busy {
		return rc.WriteFrame(protocol.KindReadFileReply, protocol.EncodeReadFileReply(protocol.ReadFileReply{Outcome: protocol.ReadFileServerBusy})) == nil
	}
	src := s.absPath(req.RelativeSrc)
	fi, statErr := os.Stat(src)
	if statErr != nil {
		return rc.WriteFrame(protocol.KindReadFileReply, protocol.EncodeReadFileReply(protocol.ReadFileReply{Outcome: protocol.ReadFileNotFound})) == nil
	}
	if err := rc.WriteFrame(protocol.KindReadFileReply, protocol.EncodeReadFileReply(protocol.ReadFileReply{
		Outcome:   protocol.ReadFileStream,
		Size:      uint64(fi.Size()),
		LastWrite: fi.ModTime(),
	})); err != nil {
		return false
	}
	f, err := os.Open(src)
	if err != nil {
		_ = rc.WriteFrame(protocol.KindError, protocol.EncodeErrorPayload(err.Error()))
		return false
	}
	defer f.Close()
	buf := make([]byte, 256*1024)
	var sent uint64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if compressed {
				c := codec.NewWholeFileCodec(6)
				out, _, cerr := c.Compress(chunk)
				if cerr != nil {
					return false
				}
				chunk = out
			}
			if werr := rc.WriteFrame(protocol.KindSendData, chunk); werr != nil {
				return false
			}
			sent += uint64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return false
		}
	}
	if err := rc.WriteFrame(protocol.KindSendDone, nil); err != nil {
		return false
	}
	return rc.WriteFrame(protocol.KindAck, protocol.EncodeAck(protocol.AckReply{BytesTransferred: sent})) == nil
}

func (s *Server) handleCreateDirectory(rc *protocol.RawConn, payload []byte) bool {
	req, err := protocol.DecodeCreateDirectoryRequest(payload)
	if err != nil {
		return false
	}
	full := s.absPath(req.RelativeDir)
	var created []string
	if _, statErr := os.Stat(full); statErr != nil {
		if err := os.MkdirAll(full, 0o755); err != nil {
			_ = rc.WriteFrame(protocol.KindError, protocol.EncodeErrorPayload(err.Error()))
			return false
		}
		created = append(created, req.RelativeDir)
	}
	return rc.WriteFrame(protocol.KindCreateDirectoryReply, protocol.EncodeCreateDirectoryReply(protocol.CreateDirectoryReply{Created: created})) == nil
}

func (s *Server) handleDeleteAllFiles(rc *protocol.RawConn, payload []byte) bool {
	req, err := protocol.DecodeDeleteAllFilesRequest(payload)
	if err != nil {
		return false
	}
	full := s.absPath(req.RelativeDir)
	entries, err := os.ReadDir(full)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				_ = os.Remove(filepath.Join(full, e.Name()))
			}
		}
	}
	return rc.WriteFrame(protocol.KindAck, protocol.EncodeAck(protocol.AckReply{})) == nil
}

func (s *Server) handleFindFiles(rc *protocol.RawConn, payload []byte) bool {
	req, err := protocol.DecodeFindFilesRequest(payload)
	if err != nil {
		return false
	}
	dir, wildcard := filepath.Split(filepath.FromSlash(req.RelativeDirAndWildcard))
	full := s.absPath(dir)
	entries, _ := os.ReadDir(full)
	for _, e := range entries {
		matched, _ := filepath.Match(wildcard, e.Name())
		if wildcard == "" {
			matched = true
		}
		if !matched {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		attrs := fsmeta.Attributes(0)
		if e.IsDir() {
			attrs |= fsmeta.AttrDirectory
		}
		found := protocol.FoundFile{
			Name:       e.Name(),
			Info:       fsmeta.FileInfo{ModTime: info.ModTime(), Size: info.Size()},
			Attributes: attrs,
		}
		if err := rc.WriteFrame(protocol.KindFindFilesEntry, protocol.EncodeFoundFile(found)); err != nil {
			return false
		}
	}
	return rc.WriteFrame(protocol.KindFindFilesDone, nil) == nil
}

func (s *Server) handleGetFileAttributes(rc *protocol.RawConn, payload []byte) bool {
	req, err := protocol.DecodeGetFileAttributesRequest(payload)
	if err != nil {
		return false
	}
	full := s.absPath(req.RelativePath)
	info, statErr := os.Stat(full)
	if statErr != nil {
		return rc.WriteFrame(protocol.KindGetFileAttributesReply, protocol.EncodeGetFileAttributesReply(protocol.GetFileAttributesReply{ErrorCode: 1})) == nil
	}
	attrs := fsmeta.Attributes(0)
	if info.IsDir() {
		attrs |= fsmeta.AttrDirectory
	}
	return rc.WriteFrame(protocol.KindGetFileAttributesReply, protocol.EncodeGetFileAttributesReply(protocol.GetFileAttributesReply{
		Info:       fsmeta.FileInfo{ModTime: info.ModTime(), Size: info.Size()},
		Attributes: attrs,
	})) == nil
}

func (s *Server) handleServerStatus(rc *protocol.RawConn) bool {
	s.mu.Lock()
	report := fmt.Sprintf("turbocopy test server root=%s connections=%d contentHistory=%d", s.Root, s.conns, len(s.history))
	s.mu.Unlock()
	return rc.WriteFrame(protocol.KindServerStatusReply, protocol.EncodeServerStatusReply(protocol.ServerStatusReply{Report: report})) == nil
}
