package statsd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPDU_NameTypeValueTags(t *testing.T) {
	p := New([]byte("foo.bar:3|c|@0.5|#tag1:v1,tag2:v2"))
	assert.Equal(t, []byte("foo.bar"), p.Name())
	assert.Equal(t, []byte("3"), p.Value())
	assert.Equal(t, []byte("c"), p.Type())
	assert.Equal(t, []byte("tag1:v1,tag2:v2"), p.Tags())
}

func TestPDU_NoTags(t *testing.T) {
	p := New([]byte("foo:1|g"))
	assert.Nil(t, p.Tags())
}

func TestPDU_WithPrefixSuffix(t *testing.T) {
	// S3 — prefix/suffix splicing.
	p := New([]byte("x:1|c"))
	out := p.WithPrefixSuffix([]byte("p."), []byte(".s"))
	assert.Equal(t, "p.x.s:1|c", string(out.Bytes()))

	// Original is untouched.
	assert.Equal(t, "x:1|c", string(p.Bytes()))
}

func TestPDU_WithPrefixSuffix_OnlyPrefix(t *testing.T) {
	p := New([]byte("x:1|c"))
	out := p.WithPrefixSuffix([]byte("p."), nil)
	assert.Equal(t, "p.x:1|c", string(out.Bytes()))
}

func TestPDU_WithPrefixSuffix_OnlySuffix(t *testing.T) {
	p := New([]byte("x:1|c"))
	out := p.WithPrefixSuffix(nil, []byte(".s"))
	assert.Equal(t, "x.s:1|c", string(out.Bytes()))
}

func TestPDU_WithPrefixSuffix_Neither(t *testing.T) {
	p := New([]byte("x:1|c"))
	out := p.WithPrefixSuffix(nil, nil)
	assert.True(t, p.Equal(out))
}

func TestPDU_Equal(t *testing.T) {
	a := New([]byte("x:1|c"))
	b := New([]byte("x:1|c"))
	c := New([]byte("x:2|c"))
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
