package amf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	amferrors "github.com/alxayo/go-rtmp/internal/errors"
)

// markerObject is the AMF0 type marker for Object (0x03). The object end marker is 0x00 0x00 0x09.
const (
	markerObject    = 0x03
	markerObjectEnd = 0x09 // after 0x00 0x00 key length sentinel
	markerECMAArray = 0x08
)

// EncodeObject encodes an AMF0 Object value in the order its pairs appear.
// Wire format:
//
//	0x03 | repeated { 2-byte key length | UTF-8 key bytes | AMF0 value } | 0x00 0x00 0x09
//
// Insertion order is preserved rather than normalized: some publishers parse
// the connect command object positionally and are order-sensitive.
func EncodeObject(w io.Writer, o Object) error {
	if _, err := w.Write([]byte{markerObject}); err != nil {
		return amferrors.NewAMFError("encode.object.marker.write", err)
	}
	if err := encodePairs(w, o); err != nil {
		return amferrors.NewAMFError("encode.object.pairs", err)
	}
	if _, err := w.Write([]byte{0x00, 0x00, markerObjectEnd}); err != nil {
		return amferrors.NewAMFError("encode.object.end.write", err)
	}
	return nil
}

// EncodeECMAArray encodes an AMF0 ECMA Array (0x08): a 32-bit associative
// count hint followed by the same key/value/end-marker shape as an Object.
// The count is informational only; a reader still scans for the end marker.
func EncodeECMAArray(w io.Writer, a ECMAArray) error {
	var hdr [1 + 4]byte
	hdr[0] = markerECMAArray
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(a)))
	if _, err := w.Write(hdr[:]); err != nil {
		return amferrors.NewAMFError("encode.ecmaarray.header.write", err)
	}
	if err := encodePairs(w, Object(a)); err != nil {
		return amferrors.NewAMFError("encode.ecmaarray.pairs", err)
	}
	if _, err := w.Write([]byte{0x00, 0x00, markerObjectEnd}); err != nil {
		return amferrors.NewAMFError("encode.ecmaarray.end.write", err)
	}
	return nil
}

func encodePairs(w io.Writer, o Object) error {
	var hdr [2]byte
	for _, p := range o {
		kb := []byte(p.Key)
		if len(kb) > 0xFFFF {
			return fmt.Errorf("key '%s' length %d exceeds 65535", p.Key, len(kb))
		}
		binary.BigEndian.PutUint16(hdr[:], uint16(len(kb)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if len(kb) > 0 {
			if _, err := w.Write(kb); err != nil {
				return err
			}
		}
		if err := encodeAny(w, p.Value); err != nil {
			return fmt.Errorf("key '%s': %w", p.Key, err)
		}
	}
	return nil
}

// encodeAny dispatches on the Go type carrying an AMF0 value.
func encodeAny(w io.Writer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		return EncodeNull(w)
	case float64:
		return EncodeNumber(w, vv)
	case bool:
		return EncodeBoolean(w, vv)
	case string:
		return EncodeString(w, vv)
	case Object:
		return EncodeObject(w, vv)
	case ECMAArray:
		return EncodeECMAArray(w, vv)
	case []interface{}:
		return EncodeStrictArray(w, vv)
	default:
		return fmt.Errorf("unsupported AMF0 value type %T", v)
	}
}

// DecodeObject decodes an AMF0 Object into an ordered Object, preserving wire
// order. It expects the marker 0x03 at the current reader position.
func DecodeObject(r io.Reader) (Object, error) {
	var mMarker [1]byte
	if _, err := io.ReadFull(r, mMarker[:]); err != nil {
		return nil, amferrors.NewAMFError("decode.object.marker.read", err)
	}
	if mMarker[0] != markerObject {
		return nil, amferrors.NewAMFError("decode.object.marker", fmt.Errorf("expected 0x%02x got 0x%02x", markerObject, mMarker[0]))
	}
	pairs, err := decodePairs(r)
	if err != nil {
		return nil, amferrors.NewAMFError("decode.object.pairs", err)
	}
	return Object(pairs), nil
}

// DecodeECMAArray decodes an AMF0 ECMA Array (0x08) into an ordered ECMAArray.
func DecodeECMAArray(r io.Reader) (ECMAArray, error) {
	var mMarker [1]byte
	if _, err := io.ReadFull(r, mMarker[:]); err != nil {
		return nil, amferrors.NewAMFError("decode.ecmaarray.marker.read", err)
	}
	if mMarker[0] != markerECMAArray {
		return nil, amferrors.NewAMFError("decode.ecmaarray.marker", fmt.Errorf("expected 0x%02x got 0x%02x", markerECMAArray, mMarker[0]))
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, amferrors.NewAMFError("decode.ecmaarray.count.read", err)
	}
	pairs, err := decodePairs(r)
	if err != nil {
		return nil, amferrors.NewAMFError("decode.ecmaarray.pairs", err)
	}
	return ECMAArray(pairs), nil
}

func decodePairs(r io.Reader) ([]Pair, error) {
	var out []Pair
	for {
		var klenBuf [2]byte
		if _, err := io.ReadFull(r, klenBuf[:]); err != nil {
			return nil, fmt.Errorf("key length: %w", err)
		}
		klen := binary.BigEndian.Uint16(klenBuf[:])
		if klen == 0 { // potential end marker
			var end [1]byte
			if _, err := io.ReadFull(r, end[:]); err != nil {
				return nil, fmt.Errorf("end marker: %w", err)
			}
			if end[0] != markerObjectEnd {
				return nil, fmt.Errorf("expected end marker 0x%02x got 0x%02x", markerObjectEnd, end[0])
			}
			break
		}
		keyBytes := make([]byte, klen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return nil, fmt.Errorf("key bytes: %w", err)
		}
		key := string(keyBytes)

		var valMarker [1]byte
		if _, err := io.ReadFull(r, valMarker[:]); err != nil {
			return nil, fmt.Errorf("value marker for key '%s': %w", key, err)
		}
		val, err := decodeValueWithMarker(valMarker[0], r)
		if err != nil {
			return nil, fmt.Errorf("key '%s': %w", key, err)
		}
		out = append(out, Pair{Key: key, Value: val})
	}
	return out, nil
}

// decodeValueWithMarker dispatches based on an already-consumed marker byte.
func decodeValueWithMarker(marker byte, r io.Reader) (interface{}, error) {
	switch marker {
	case markerNumber:
		return DecodeNumber(io.MultiReader(bytes.NewReader([]byte{marker}), r))
	case markerBoolean:
		return DecodeBoolean(io.MultiReader(bytes.NewReader([]byte{marker}), r))
	case markerString:
		return DecodeString(io.MultiReader(bytes.NewReader([]byte{marker}), r))
	case markerNull:
		return DecodeNull(io.MultiReader(bytes.NewReader([]byte{marker}), r))
	case markerObject:
		return DecodeObject(io.MultiReader(bytes.NewReader([]byte{marker}), r))
	case markerECMAArray:
		return DecodeECMAArray(io.MultiReader(bytes.NewReader([]byte{marker}), r))
	case markerStrictArray:
		return DecodeStrictArray(io.MultiReader(bytes.NewReader([]byte{marker}), r))
	default:
		return nil, fmt.Errorf("unsupported marker 0x%02x", marker)
	}
}
