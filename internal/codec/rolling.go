package codec

import "hash/adler32"

// adler32Of is the weak hash used for block-signature mismatch
// rejection. It is the stdlib Adler-32 checksum computed over the whole
// slice; BuildScript calls it afresh for the window at every byte
// offset, with no incremental byte-by-byte rolling update.
func adler32Of(b []byte) uint32 {
	return adler32.Checksum(b)
}
