package statsd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_CRAndResidual(t *testing.T) {
	// S1 — Framing with CR.
	pdus, residual := Frame([]byte("a:1|c\r\nb:2|c\nc:3"))
	require.Len(t, pdus, 2)
	assert.Equal(t, "a:1|c", string(pdus[0].Bytes()))
	assert.Equal(t, "b:2|c", string(pdus[1].Bytes()))
	assert.Equal(t, "c:3", string(residual))
}

func TestFrame_NoNewlines(t *testing.T) {
	pdus, residual := Frame([]byte("hello"))
	assert.Empty(t, pdus)
	assert.Equal(t, "hello", string(residual))
}

func TestFrame_PlainNewlines(t *testing.T) {
	pdus, residual := Frame([]byte("hello:1|c\nhello:1|c\nhello2"))
	require.Len(t, pdus, 2)
	assert.Equal(t, "hello2", string(residual))
}

func TestFrame_MixedCRAndPlain(t *testing.T) {
	pdus, residual := Frame([]byte("hello:1|c\r\nhello:1|c\nhello2"))
	require.Len(t, pdus, 2)
	for _, p := range pdus {
		assert.Equal(t, []byte("c"), p.Type())
		assert.Equal(t, []byte("hello"), p.Name())
	}
	assert.Equal(t, "hello2", string(residual))
}

func TestFrame_PrefixThenSuffixSplitInvariant(t *testing.T) {
	// Invariant 1: framing a buffer split at any point yields the same
	// sequence of complete PDUs, with the residual preserved across the
	// split as long as it is re-fed alongside the next chunk.
	whole := []byte("a:1|c\nb:2|g\nc:3|ms\ntail")
	full, fullResidual := Frame(whole)

	for split := 0; split <= len(whole); split++ {
		first, residual1 := Frame(whole[:split])
		combined := append(append([]byte{}, residual1...), whole[split:]...)
		second, residual2 := Frame(combined)

		got := append(append([]PDU{}, first...), second...)
		require.Len(t, got, len(full))
		for i := range full {
			assert.True(t, full[i].Equal(got[i]), "split=%d index=%d", split, i)
		}
		assert.Equal(t, string(fullResidual), string(residual2))
	}
}

func TestFrameDatagram_TrailingContentEmitted(t *testing.T) {
	pdus := FrameDatagram([]byte("a:1|c\nb:2|c"))
	require.Len(t, pdus, 2)
	assert.Equal(t, "a:1|c", string(pdus[0].Bytes()))
	assert.Equal(t, "b:2|c", string(pdus[1].Bytes()))
}

func TestFrameDatagram_SingleUnterminatedLine(t *testing.T) {
	pdus := FrameDatagram([]byte("solo:1|c"))
	require.Len(t, pdus, 1)
	assert.Equal(t, "solo:1|c", string(pdus[0].Bytes()))
}

func TestFrame_EmptyLinesDropped(t *testing.T) {
	pdus, residual := Frame([]byte("\n\na:1|c\n"))
	require.Len(t, pdus, 1)
	assert.Equal(t, "a:1|c", string(pdus[0].Bytes()))
	assert.Empty(t, residual)
}
