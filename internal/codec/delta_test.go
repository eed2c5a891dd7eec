package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaRoundTripUnchangedMiddle(t *testing.T) {
	old := []byte(strings.Repeat("ABCDEFGH", 20000)) // 160000 bytes, several blocks
	newData := append([]byte("PREFIX-"), old...)
	newData = append(newData, []byte("-SUFFIX")...)

	sig := Signature(old, DefaultBlockSize)
	require.NotEmpty(t, sig)

	ops := BuildScript(newData, old, sig, DefaultBlockSize)

	var sawCopy bool
	for _, op := range ops {
		if op.CopyFromOld {
			sawCopy = true
		}
	}
	assert.True(t, sawCopy, "expected at least one copy-from-old instruction")

	rebuilt, err := Apply(old, ops)
	require.NoError(t, err)
	assert.Equal(t, newData, rebuilt)
}

func TestDeltaTotallyDifferentFileIsAllLiteral(t *testing.T) {
	old := []byte(strings.Repeat("X", 200000))
	newData := []byte(strings.Repeat("Y", 50000))

	sig := Signature(old, DefaultBlockSize)
	ops := BuildScript(newData, old, sig, DefaultBlockSize)

	rebuilt, err := Apply(old, ops)
	require.NoError(t, err)
	assert.Equal(t, newData, rebuilt)
}

func TestDeltaScriptWireRoundTrip(t *testing.T) {
	old := []byte(strings.Repeat("0123456789", 10000))
	newData := append(append([]byte{}, old[:50000]...), []byte("inserted-literal-chunk")...)
	newData = append(newData, old[50000:]...)

	sig := Signature(old, DefaultBlockSize)
	ops := BuildScript(newData, old, sig, DefaultBlockSize)

	wire := EncodeScript(ops)
	decoded, err := DecodeScript(wire)
	require.NoError(t, err)

	rebuilt, err := Apply(old, decoded)
	require.NoError(t, err)
	assert.Equal(t, newData, rebuilt)
}

func TestApplyRejectsOutOfRangeOffset(t *testing.T) {
	old := []byte("short")
	_, err := Apply(old, []Op{{CopyFromOld: true, Offset: 0, Length: 100}})
	assert.Error(t, err)
}
