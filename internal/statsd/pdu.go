// Package statsd implements the statsd wire-format primitives the relay
// core depends on: a PDU (protocol data unit, one metric line) and the
// newline framer that extracts PDUs from a byte stream. Parsing/serializing
// the full statsd grammar is intentionally shallow — the core only ever
// needs the metric name (for hash placement and filtering) and the ability
// to splice a prefix/suffix onto that name.
package statsd

import "bytes"

// PDU is a single statsd line, with no trailing newline. It is immutable:
// every method that would "modify" a PDU returns a new one. Go's garbage
// collector makes reference counting unnecessary; a PDU is just a
// (shared, read-only) byte slice.
type PDU struct {
	raw []byte
}

// New wraps raw as a PDU. raw must not be mutated by the caller afterward;
// New does not copy it.
func New(raw []byte) PDU {
	return PDU{raw: raw}
}

// Bytes returns the raw line bytes (no trailing newline).
func (p PDU) Bytes() []byte { return p.raw }

// Empty reports whether the PDU carries no bytes at all.
func (p PDU) Empty() bool { return len(p.raw) == 0 }

// Name returns the metric name: everything before the first ':'. If there
// is no ':', the whole PDU is taken as the name (malformed input is
// tolerated; PDUs are not checked against the statsd grammar anywhere in
// the relay and are forwarded as-is).
func (p PDU) Name() []byte {
	if i := bytes.IndexByte(p.raw, ':'); i >= 0 {
		return p.raw[:i]
	}
	return p.raw
}

// Type returns the statsd type token (the field after the first '|'),
// e.g. "c", "g", "ms". Returns nil if the PDU has no type field.
func (p PDU) Type() []byte {
	rest := p.afterColon()
	if rest == nil {
		return nil
	}
	fields := bytes.Split(rest, []byte{'|'})
	if len(fields) < 2 {
		return nil
	}
	return fields[1]
}

// Value returns the raw value field (between ':' and the first '|').
func (p PDU) Value() []byte {
	rest := p.afterColon()
	if rest == nil {
		return nil
	}
	if i := bytes.IndexByte(rest, '|'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Tags returns the raw tag segment, i.e. the text following "|#" if
// present, or nil otherwise.
func (p PDU) Tags() []byte {
	const marker = "|#"
	idx := bytes.Index(p.raw, []byte(marker))
	if idx < 0 {
		return nil
	}
	return p.raw[idx+len(marker):]
}

func (p PDU) afterColon() []byte {
	i := bytes.IndexByte(p.raw, ':')
	if i < 0 {
		return nil
	}
	return p.raw[i+1:]
}

// WithPrefixSuffix returns a new PDU with prefix spliced immediately before
// the metric name and suffix spliced immediately after it (before the
// ':'). Either may be empty, in which case splicing is skipped for that
// side. p itself is left untouched.
func (p PDU) WithPrefixSuffix(prefix, suffix []byte) PDU {
	if len(prefix) == 0 && len(suffix) == 0 {
		return p
	}
	name := p.Name()
	rest := p.raw[len(name):] // ":value|type..." or empty

	out := make([]byte, 0, len(prefix)+len(name)+len(suffix)+len(rest))
	out = append(out, prefix...)
	out = append(out, name...)
	out = append(out, suffix...)
	out = append(out, rest...)
	return PDU{raw: out}
}

// Equal reports byte-for-byte equality, the PDU's only notion of identity.
func (p PDU) Equal(other PDU) bool {
	return bytes.Equal(p.raw, other.raw)
}

// Clone returns a PDU backed by its own copy of the bytes, safe to retain
// past the next mutation of whatever buffer p.raw aliased. Ingress paths
// that read into a reused buffer must clone every PDU before handing it
// to anything that may outlive the current read (e.g. a queued sender
// task).
func (p PDU) Clone() PDU {
	return PDU{raw: append([]byte(nil), p.raw...)}
}
