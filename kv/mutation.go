package kv

import "slices"

type opKind uint8

const (
	opSet opKind = iota
	opClear
	opAdd
	opOr
	opXor
)

func (op opKind) String() string {
	switch op {
	case opSet:
		return "set"
	case opClear:
		return "clear"
	case opAdd:
		return "add"
	case opOr:
		return "or"
	case opXor:
		return "xor"
	default:
		return "unknown"
	}
}

type mutation struct {
	op    opKind
	param []byte
}

// apply computes the value after a sequence of mutations on top of base.
// A nil result means the key does not exist.
func apply(base []byte, muts []mutation) []byte {
	v := base
	for _, m := range muts {
		switch m.op {
		case opSet:
			v = m.param
		case opClear:
			v = nil
		default:
			v = applyAtomic(m.op, v, m.param)
		}
	}
	return v
}

// applyAtomic follows the usual fixed-width semantics: the existing value is
// zero-padded or truncated to the width of param.
func applyAtomic(op opKind, base, param []byte) []byte {
	out := make([]byte, len(param))
	copy(out, base)
	switch op {
	case opAdd:
		var carry uint16
		for i := range out {
			s := uint16(out[i]) + uint16(param[i]) + carry
			out[i] = byte(s)
			carry = s >> 8
		}
	case opOr:
		for i := range out {
			out[i] |= param[i]
		}
	case opXor:
		for i := range out {
			out[i] ^= param[i]
		}
	}
	return out
}

func pushMutation(muts []mutation, op opKind, param []byte) []mutation {
	m := mutation{op: op, param: slices.Clone(param)}
	if op == opSet || op == opClear {
		return append(muts[:0:0], m)
	}
	return append(muts, m)
}
