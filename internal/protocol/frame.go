// Package protocol implements the client side of the TurboCopy wire
// protocol: a length-prefixed binary frame codec and the eight typed
// command/response operations the acceleration service exposes. The
// peer is assumed to conform; this package never implements the
// service side except for the in-process test double under
// protocol/testserver.
package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// DefaultPort is the compile-time default server port; /SERVERPORT
// overrides it.
const DefaultPort uint16 = 18099

// MaxFrameLength bounds a single frame's payload to guard against a
// corrupt length prefix wedging the connection on a multi-gigabyte
// read.
const MaxFrameLength = 256 * 1024 * 1024

// Kind identifies the command or response carried by a frame.
type Kind uint8

const (
	KindVersion Kind = iota + 1
	KindVersionReply
	KindWriteFile
	KindWriteFileReply
	KindSendData   // streamed payload frame following a SendWhole/SendDelta reply
	KindSendDone   // sentinel: sender has no more SendData frames for this file
	KindAck
	KindReadFile
	KindReadFileReply
	KindCreateDirectory
	KindCreateDirectoryReply
	KindDeleteAllFiles
	KindFindFiles
	KindFindFilesEntry
	KindFindFilesDone
	KindGetFileAttributes
	KindGetFileAttributesReply
	KindServerStatus
	KindServerStatusReply
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindVersion:
		return "Version"
	case KindVersionReply:
		return "VersionReply"
	case KindWriteFile:
		return "WriteFile"
	case KindWriteFileReply:
		return "WriteFileReply"
	case KindSendData:
		return "SendData"
	case KindSendDone:
		return "SendDone"
	case KindAck:
		return "Ack"
	case KindReadFile:
		return "ReadFile"
	case KindReadFileReply:
		return "ReadFileReply"
	case KindCreateDirectory:
		return "CreateDirectory"
	case KindCreateDirectoryReply:
		return "CreateDirectoryReply"
	case KindDeleteAllFiles:
		return "DeleteAllFiles"
	case KindFindFiles:
		return "FindFiles"
	case KindFindFilesEntry:
		return "FindFilesEntry"
	case KindFindFilesDone:
		return "FindFilesDone"
	case KindGetFileAttributes:
		return "GetFileAttributes"
	case KindGetFileAttributesReply:
		return "GetFileAttributesReply"
	case KindServerStatus:
		return "ServerStatus"
	case KindServerStatusReply:
		return "ServerStatusReply"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// frameWriter writes length-prefixed frames: u32 length (of kind+payload,
// little-endian) | u8 kind | payload.
type frameWriter struct {
	w *bufio.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: bufio.NewWriterSize(w, 64*1024)}
}

func (f *frameWriter) WriteFrame(kind Kind, payload []byte) error {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)+1))
	hdr[4] = byte(kind)
	if _, err := f.w.Write(hdr[:]); err != nil {
		return xerrors.New(xerrors.NetworkError, "write frame header", err)
	}
	if len(payload) > 0 {
		if _, err := f.w.Write(payload); err != nil {
			return xerrors.New(xerrors.NetworkError, "write frame payload", err)
		}
	}
	return nil
}

func (f *frameWriter) Flush() error {
	if err := f.w.Flush(); err != nil {
		return xerrors.New(xerrors.NetworkError, "flush", err)
	}
	return nil
}

// frameReader reads length-prefixed frames written by frameWriter.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (f *frameReader) ReadFrame() (Kind, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return 0, nil, xerrors.New(xerrors.NetworkError, "read frame header", err)
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length == 0 {
		return 0, nil, xerrors.New(xerrors.ProtocolError, "zero-length frame", nil)
	}
	if length-1 > MaxFrameLength {
		return 0, nil, xerrors.New(xerrors.ProtocolError, fmt.Sprintf("frame length %d exceeds maximum", length-1), nil)
	}
	kind := Kind(hdr[4])
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return 0, nil, xerrors.New(xerrors.NetworkError, "read frame payload", err)
		}
	}
	return kind, payload, nil
}

// --- little wire-format helpers shared by commands.go ---

func putString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func getString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, xerrors.New(xerrors.ProtocolError, "truncated string length", nil)
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return "", nil, xerrors.New(xerrors.ProtocolError, "truncated string data", nil)
	}
	return string(b[:n]), b[n:], nil
}

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func getU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, xerrors.New(xerrors.ProtocolError, "truncated u64", nil)
	}
	return binary.LittleEndian.Uint64(b[0:8]), b[8:], nil
}

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func getU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, xerrors.New(xerrors.ProtocolError, "truncated u32", nil)
	}
	return binary.LittleEndian.Uint32(b[0:4]), b[4:], nil
}

func putByte(buf []byte, v byte) []byte { return append(buf, v) }

func getByte(b []byte) (byte, []byte, error) {
	if len(b) < 1 {
		return 0, nil, xerrors.New(xerrors.ProtocolError, "truncated byte", nil)
	}
	return b[0], b[1:], nil
}
