package codec

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"

	"github.com/turbocopy/turbocopy/internal/xerrors"
)

// DefaultBlockSize is the block size Signature and BuildScript use
// when passed a size <= 0. The block size is not carried on the wire:
// the receiver's Signature and the sender's BuildScript each take it
// as a parameter, and the two only agree when both sides pass the same
// value (the client pipeline always passes DefaultBlockSize).
const DefaultBlockSize = 64 * 1024

// Block is one fixed-size block's signature: a cheap rolling
// (Adler-32-style) weak hash for fast mismatch rejection, and an MD5
// strong hash to confirm a weak-hash match.
type Block struct {
	Index  int
	Weak   uint32
	Strong [md5.Size]byte
}

// StrongHex returns the strong hash as a hex string, the wire
// representation used by protocol.BlockSignature.
func (b Block) StrongHex() string { return hex.EncodeToString(b.Strong[:]) }

// Signature splits old into blockSize blocks (the last block
// may be shorter) and returns one Block per chunk. This is computed at
// the receiver, which holds the prior destination version, and sent to
// the sender.
func Signature(old []byte, blockSize int) []Block {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	var blocks []Block
	for i, off := 0, 0; off < len(old); i, off = i+1, off+blockSize {
		end := off + blockSize
		if end > len(old) {
			end = len(old)
		}
		chunk := old[off:end]
		blocks = append(blocks, Block{
			Index:  i,
			Weak:   adler32Of(chunk),
			Strong: md5.Sum(chunk),
		})
	}
	return blocks
}

// Op is one instruction in a delta script.
type Op struct {
	CopyFromOld bool
	// CopyFromOld == true: Offset/Length index into the old file.
	Offset int64
	Length int64
	// CopyFromOld == false: Literal holds the bytes to emit verbatim.
	Literal []byte
}

// BuildScript computes the delta script that reconstructs new from old
// plus the script, given old's block signature. It implements the
// rolling-hash scan rsync's delta algorithm popularized: a weak hash over every
// byte offset in new, confirmed against the strong hash only on a
// weak-hash hit. The weak hash is recomputed over the whole window at
// each offset rather than updated incrementally, so each offset costs
// O(blockSize).
func BuildScript(newData, old []byte, sig []Block, blockSize int) []Op {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	byWeak := make(map[uint32][]Block, len(sig))
	for _, b := range sig {
		byWeak[b.Weak] = append(byWeak[b.Weak], b)
	}

	var ops []Op
	literalStart := 0
	pos := 0
	for pos < len(newData) {
		remaining := len(newData) - pos
		if remaining < blockSize {
			break // too short for a full block match; falls into trailing literal
		}
		window := newData[pos : pos+blockSize]
		weak := adler32Of(window)
		if candidates, ok := byWeak[weak]; ok {
			strong := md5.Sum(window)
			matched := false
			for _, c := range candidates {
				if c.Strong == strong {
					if pos > literalStart {
						ops = append(ops, Op{Literal: append([]byte(nil), newData[literalStart:pos]...)})
					}
					ops = append(ops, Op{
						CopyFromOld: true,
						Offset:      int64(c.Index) * int64(blockSize),
						Length:      int64(blockLen(old, c.Index, blockSize)),
					})
					pos += blockSize
					literalStart = pos
					matched = true
					break
				}
			}
			if matched {
				continue
			}
		}
		pos++
	}
	if literalStart < len(newData) {
		ops = append(ops, Op{Literal: append([]byte(nil), newData[literalStart:]...)})
	}
	return coalesceLiterals(ops)
}

func blockLen(old []byte, index, blockSize int) int {
	off := index * blockSize
	end := off + blockSize
	if end > len(old) {
		end = len(old)
	}
	if off > len(old) {
		return 0
	}
	return end - off
}

// coalesceLiterals merges adjacent literal ops the scan above can
// otherwise emit one-at-a-time near a failed match.
func coalesceLiterals(ops []Op) []Op {
	if len(ops) < 2 {
		return ops
	}
	out := ops[:0:0]
	for _, op := range ops {
		if len(out) > 0 && !op.CopyFromOld && !out[len(out)-1].CopyFromOld {
			last := &out[len(out)-1]
			last.Literal = append(last.Literal, op.Literal...)
			continue
		}
		out = append(out, op)
	}
	return out
}

// Apply reconstructs the new file content from old plus a delta
// script: applying the script to old must reproduce new exactly.
func Apply(old []byte, ops []Op) ([]byte, error) {
	var buf bytes.Buffer
	for _, op := range ops {
		if op.CopyFromOld {
			if op.Offset < 0 || op.Offset+op.Length > int64(len(old)) {
				return nil, xerrors.New(xerrors.ProtocolError, "delta op references out-of-range old data", nil)
			}
			buf.Write(old[op.Offset : op.Offset+op.Length])
		} else {
			buf.Write(op.Literal)
		}
	}
	return buf.Bytes(), nil
}

// EncodeScript and DecodeScript give the delta script a wire
// representation: a sequence of
//
//	u8 opcode (0=copy,1=literal) | u64 offset/length | [bytes]
//
// The whole encoded script is one buffer, which
// protocol.Connection.SendDeltaScript sends as a single frame.
func EncodeScript(ops []Op) []byte {
	var buf []byte
	for _, op := range ops {
		if op.CopyFromOld {
			buf = append(buf, 0)
			buf = putU64Local(buf, uint64(op.Offset))
			buf = putU64Local(buf, uint64(op.Length))
		} else {
			buf = append(buf, 1)
			buf = putU64Local(buf, uint64(len(op.Literal)))
			buf = append(buf, op.Literal...)
		}
	}
	return buf
}

// DecodeScript parses the wire representation EncodeScript produces.
func DecodeScript(b []byte) ([]Op, error) {
	var ops []Op
	for len(b) > 0 {
		if len(b) < 1 {
			return nil, xerrors.New(xerrors.ProtocolError, "truncated delta opcode", nil)
		}
		opcode := b[0]
		b = b[1:]
		switch opcode {
		case 0:
			var offset, length uint64
			var err error
			offset, b, err = getU64Local(b)
			if err != nil {
				return nil, err
			}
			length, b, err = getU64Local(b)
			if err != nil {
				return nil, err
			}
			ops = append(ops, Op{CopyFromOld: true, Offset: int64(offset), Length: int64(length)})
		case 1:
			var n uint64
			var err error
			n, b, err = getU64Local(b)
			if err != nil {
				return nil, err
			}
			if uint64(len(b)) < n {
				return nil, xerrors.New(xerrors.ProtocolError, "truncated delta literal", nil)
			}
			ops = append(ops, Op{Literal: append([]byte(nil), b[:n]...)})
			b = b[n:]
		default:
			return nil, xerrors.New(xerrors.ProtocolError, "unknown delta opcode", nil)
		}
	}
	return ops, nil
}

func putU64Local(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return append(buf, b[:]...)
}

func getU64Local(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, xerrors.New(xerrors.ProtocolError, "truncated u64", nil)
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, b[8:], nil
}
