package transport

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeMsgpack decodes one MessagePack document covering the formats the
// sync frames use: fixint, fixmap, fixarray, fixstr, nil, bool, int/uint
// 8/16/32/64, float 32/64, str/bin 8/16/32, array/map 16/32. Trailing bytes
// after the document are an error.
func DecodeMsgpack(data []byte) (Value, error) {
	d := &msgpackDecoder{data: data}
	v, err := d.decode()
	if err != nil {
		return Nil, err
	}
	if d.pos != len(d.data) {
		return Nil, fmt.Errorf("msgpack: %d trailing bytes", len(d.data)-d.pos)
	}
	return v, nil
}

type msgpackDecoder struct {
	data []byte
	pos  int
}

func (d *msgpackDecoder) decode() (Value, error) {
	b, err := d.byte()
	if err != nil {
		return Nil, err
	}

	switch {
	case b <= 0x7f: // positive fixint
		return Value{Kind: KindInt, Int: int64(b)}, nil
	case b >= 0xe0: // negative fixint
		return Value{Kind: KindInt, Int: int64(int8(b))}, nil
	case b >= 0x80 && b <= 0x8f: // fixmap
		return d.decodeMap(int(b & 0x0f))
	case b >= 0x90 && b <= 0x9f: // fixarray
		return d.decodeArray(int(b & 0x0f))
	case b >= 0xa0 && b <= 0xbf: // fixstr
		return d.decodeStr(int(b & 0x1f))
	}

	switch b {
	case 0xc0:
		return Nil, nil
	case 0xc2:
		return Value{Kind: KindBool, Bool: false}, nil
	case 0xc3:
		return Value{Kind: KindBool, Bool: true}, nil

	case 0xc4, 0xc5, 0xc6: // bin 8/16/32
		n, err := d.length(1 << (b - 0xc4))
		if err != nil {
			return Nil, err
		}
		raw, err := d.bytes(n)
		if err != nil {
			return Nil, err
		}
		return Value{Kind: KindBytes, Bytes: raw}, nil

	case 0xca: // float32
		raw, err := d.bytes(4)
		if err != nil {
			return Nil, err
		}
		return Value{Kind: KindFloat, Float: float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))}, nil
	case 0xcb: // float64
		raw, err := d.bytes(8)
		if err != nil {
			return Nil, err
		}
		return Value{Kind: KindFloat, Float: math.Float64frombits(binary.BigEndian.Uint64(raw))}, nil

	case 0xcc, 0xcd, 0xce, 0xcf: // uint 8/16/32/64
		raw, err := d.bytes(1 << (b - 0xcc))
		if err != nil {
			return Nil, err
		}
		return Value{Kind: KindUint, Uint: beUint(raw)}, nil

	case 0xd0: // int8
		raw, err := d.bytes(1)
		if err != nil {
			return Nil, err
		}
		return Value{Kind: KindInt, Int: int64(int8(raw[0]))}, nil
	case 0xd1: // int16
		raw, err := d.bytes(2)
		if err != nil {
			return Nil, err
		}
		return Value{Kind: KindInt, Int: int64(int16(binary.BigEndian.Uint16(raw)))}, nil
	case 0xd2: // int32
		raw, err := d.bytes(4)
		if err != nil {
			return Nil, err
		}
		return Value{Kind: KindInt, Int: int64(int32(binary.BigEndian.Uint32(raw)))}, nil
	case 0xd3: // int64
		raw, err := d.bytes(8)
		if err != nil {
			return Nil, err
		}
		return Value{Kind: KindInt, Int: int64(binary.BigEndian.Uint64(raw))}, nil

	case 0xd9, 0xda, 0xdb: // str 8/16/32
		n, err := d.length(1 << (b - 0xd9))
		if err != nil {
			return Nil, err
		}
		return d.decodeStr(n)

	case 0xdc, 0xdd: // array 16/32
		n, err := d.length(2 << (b - 0xdc))
		if err != nil {
			return Nil, err
		}
		return d.decodeArray(n)

	case 0xde, 0xdf: // map 16/32
		n, err := d.length(2 << (b - 0xde))
		if err != nil {
			return Nil, err
		}
		return d.decodeMap(n)
	}

	return Nil, fmt.Errorf("msgpack: unsupported format byte 0x%02x at offset %d", b, d.pos-1)
}

func (d *msgpackDecoder) decodeStr(n int) (Value, error) {
	raw, err := d.bytes(n)
	if err != nil {
		return Nil, err
	}
	return Value{Kind: KindString, Str: string(raw)}, nil
}

func (d *msgpackDecoder) decodeArray(n int) (Value, error) {
	arr := make([]Value, 0, n)
	for i := 0; i < n; i++ {
		item, err := d.decode()
		if err != nil {
			return Nil, err
		}
		arr = append(arr, item)
	}
	return Value{Kind: KindArray, Array: arr}, nil
}

func (d *msgpackDecoder) decodeMap(n int) (Value, error) {
	entries := make([]MapEntry, 0, n)
	for i := 0; i < n; i++ {
		key, err := d.decode()
		if err != nil {
			return Nil, err
		}
		val, err := d.decode()
		if err != nil {
			return Nil, err
		}
		entries = append(entries, MapEntry{Key: key, Val: val})
	}
	return Value{Kind: KindMap, Map: entries}, nil
}

func (d *msgpackDecoder) byte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, fmt.Errorf("msgpack: unexpected end of input")
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *msgpackDecoder) bytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, fmt.Errorf("msgpack: truncated input (want %d bytes at offset %d)", n, d.pos)
	}
	raw := d.data[d.pos : d.pos+n]
	d.pos += n
	return raw, nil
}

// length reads an unsigned big-endian length of size bytes.
func (d *msgpackDecoder) length(size int) (int, error) {
	raw, err := d.bytes(size)
	if err != nil {
		return 0, err
	}
	n := beUint(raw)
	if n > uint64(len(d.data)) {
		return 0, fmt.Errorf("msgpack: length %d exceeds input", n)
	}
	return int(n), nil
}

func beUint(raw []byte) uint64 {
	var n uint64
	for _, b := range raw {
		n = n<<8 | uint64(b)
	}
	return n
}
