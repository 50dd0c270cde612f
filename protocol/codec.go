package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Wrapper field numbers.
const (
	fieldData    protowire.Number = 1
	fieldNFC     protowire.Number = 2
	fieldSession protowire.Number = 3
	fieldStatus  protowire.Number = 4
	fieldAnticol protowire.Number = 5
)

// Encode serializes e. Envelopes with more than one variant, or RelayData
// without exactly one of blob and errcode, are refused.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, invalid("nil envelope")
	}
	if e.populated() > 1 {
		return nil, invalid("%d variants populated", e.populated())
	}

	var b []byte
	switch e.Kind() {
	case KindNone:
		return []byte{}, nil
	case KindRelayData:
		if (e.Data.Blob != nil) == (e.Data.ErrCode != nil) {
			return nil, invalid("relay data needs exactly one of blob and errcode")
		}
		b = appendMessage(b, fieldData, encodeRelayData(e.Data))
	case KindNFCExchange:
		b = appendMessage(b, fieldNFC, encodeNFC(e.NFC))
	case KindSession:
		b = appendMessage(b, fieldSession, encodeSession(e.Session))
	case KindStatus:
		b = appendMessage(b, fieldStatus, encodeStatus(e.Status))
	case KindAnticol:
		b = appendMessage(b, fieldAnticol, encodeAnticol(e.Anticol))
	}
	return b, nil
}

// MustEncode is Encode for envelopes built by this package's constructors.
func MustEncode(e *Envelope) []byte {
	b, err := Encode(e)
	if err != nil {
		panic(err)
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendEnum(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendRaw(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func encodeRelayData(d *RelayData) []byte {
	var b []byte
	if d.Blob != nil {
		b = appendRaw(b, 1, d.Blob)
	}
	if d.ErrCode != nil {
		b = appendEnum(b, 2, int32(*d.ErrCode))
	}
	return b
}

func encodeNFC(n *NFCExchange) []byte {
	var b []byte
	b = appendEnum(b, 1, int32(n.Source))
	return appendRaw(b, 2, n.Bytes)
}

func encodeSession(s *Session) []byte {
	var b []byte
	b = appendEnum(b, 1, int32(s.Opcode))
	if s.Secret != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, *s.Secret)
	}
	if s.ErrCode != nil {
		b = appendEnum(b, 3, int32(*s.ErrCode))
	}
	return b
}

func encodeStatus(s *Status) []byte {
	return appendEnum(nil, 1, int32(s.Code))
}

func encodeAnticol(a *Anticol) []byte {
	var b []byte
	b = appendRaw(b, 1, a.UID)
	b = appendRaw(b, 2, a.ATQA)
	b = appendRaw(b, 3, a.SAK)
	if a.HistoricalBytes != nil {
		b = appendRaw(b, 4, a.HistoricalBytes)
	}
	return b
}

// Decode parses one envelope. Any structural violation yields an error
// wrapping ErrMalformedMessage and a nil envelope. An input without any
// variant decodes to an empty envelope.
func Decode(b []byte) (*Envelope, error) {
	env := &Envelope{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		if num < fieldData || num > fieldAnticol {
			return nil
		}
		if typ != protowire.BytesType {
			return malformed("wrapper field %d has wire type %d", num, typ)
		}
		if env.populated() > 0 {
			return malformed("more than one variant populated")
		}
		var err error
		switch num {
		case fieldData:
			env.Data, err = decodeRelayData(raw)
		case fieldNFC:
			env.NFC, err = decodeNFC(raw)
		case fieldSession:
			env.Session, err = decodeSession(raw)
		case fieldStatus:
			env.Status, err = decodeStatus(raw)
		case fieldAnticol:
			env.Anticol, err = decodeAnticol(raw)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// walk visits every field of b. raw is set for length-delimited fields and
// v for varints; other known wire types are skipped by the visitor.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed("tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		var (
			raw []byte
			v   uint64
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed("field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := visit(num, typ, raw, v); err != nil {
			return err
		}
	}
	return nil
}

type fieldSet map[protowire.Number]bool

// mark records num and fails on a repeated or mistyped field.
func (s fieldSet) mark(msg string, num protowire.Number, typ, want protowire.Type) error {
	if typ != want {
		return malformed("%s field %d has wire type %d", msg, num, typ)
	}
	if s[num] {
		return malformed("%s field %d repeated", msg, num)
	}
	s[num] = true
	return nil
}

func (s fieldSet) require(msg string, nums ...protowire.Number) error {
	for _, num := range nums {
		if !s[num] {
			return malformed("%s field %d missing", msg, num)
		}
	}
	return nil
}

func copyBytes(raw []byte) []byte {
	return append([]byte{}, raw...)
}

func decodeRelayData(b []byte) (*RelayData, error) {
	d := &RelayData{}
	seen := fieldSet{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case 1:
			if err := seen.mark("data", num, typ, protowire.BytesType); err != nil {
				return err
			}
			d.Blob = copyBytes(raw)
		case 2:
			if err := seen.mark("data", num, typ, protowire.VarintType); err != nil {
				return err
			}
			code := DataErrorCode(int32(v))
			d.ErrCode = &code
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if d.Blob != nil && d.ErrCode != nil {
		return nil, malformed("data carries both blob and errcode")
	}
	return d, nil
}

func decodeNFC(b []byte) (*NFCExchange, error) {
	x := &NFCExchange{}
	seen := fieldSet{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case 1:
			if err := seen.mark("nfc", num, typ, protowire.VarintType); err != nil {
				return err
			}
			x.Source = DataSource(int32(v))
		case 2:
			if err := seen.mark("nfc", num, typ, protowire.BytesType); err != nil {
				return err
			}
			x.Bytes = copyBytes(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := seen.require("nfc", 1, 2); err != nil {
		return nil, err
	}
	return x, nil
}

func decodeSession(b []byte) (*Session, error) {
	s := &Session{}
	seen := fieldSet{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case 1:
			if err := seen.mark("session", num, typ, protowire.VarintType); err != nil {
				return err
			}
			s.Opcode = SessionOpcode(int32(v))
		case 2:
			if err := seen.mark("session", num, typ, protowire.BytesType); err != nil {
				return err
			}
			secret := string(raw)
			s.Secret = &secret
		case 3:
			if err := seen.mark("session", num, typ, protowire.VarintType); err != nil {
				return err
			}
			code := SessionErrorCode(int32(v))
			s.ErrCode = &code
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := seen.require("session", 1); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeStatus(b []byte) (*Status, error) {
	s := &Status{}
	seen := fieldSet{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		if num != 1 {
			return nil
		}
		if err := seen.mark("status", num, typ, protowire.VarintType); err != nil {
			return err
		}
		s.Code = StatusCode(int32(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := seen.require("status", 1); err != nil {
		return nil, err
	}
	return s, nil
}

func decodeAnticol(b []byte) (*Anticol, error) {
	a := &Anticol{}
	seen := fieldSet{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		var dst *[]byte
		switch num {
		case 1:
			dst = &a.UID
		case 2:
			dst = &a.ATQA
		case 3:
			dst = &a.SAK
		case 4:
			dst = &a.HistoricalBytes
		default:
			return nil
		}
		if err := seen.mark("anticol", num, typ, protowire.BytesType); err != nil {
			return err
		}
		*dst = copyBytes(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := seen.require("anticol", 1, 2, 3); err != nil {
		return nil, err
	}
	return a, nil
}
