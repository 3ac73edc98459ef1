package amf

// AMF0 represents command payloads as plain Go values (float64, bool, string,
// nil, []interface{}) plus two ordered map types defined here: Object and
// ECMAArray. A plain Go map is not used for either because AMF0 readers in the
// wild are order-sensitive — some clients expect `app`/`tcUrl`/etc in the order
// the publisher sent them, and a map randomizes iteration order on every run.

// Pair is one key/value entry of an ordered AMF0 Object or ECMA Array.
type Pair struct {
	Key   string
	Value interface{}
}

// Object is an AMF0 Object (marker 0x03): an ordered sequence of key/value
// pairs terminated by the object-end marker. Encoding preserves insertion
// order; decoding preserves wire order.
type Object []Pair

// NewObject builds an Object from alternating key/value arguments, e.g.
// NewObject("app", "live", "tcUrl", "rtmp://host/live").
func NewObject(kv ...interface{}) Object {
	if len(kv)%2 != 0 {
		panic("amf.NewObject: odd number of arguments")
	}
	o := make(Object, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		o = append(o, Pair{Key: kv[i].(string), Value: kv[i+1]})
	}
	return o
}

// Get returns the value for key and whether it was present. On duplicate
// keys (malformed input) the first occurrence wins.
func (o Object) Get(key string) (interface{}, bool) {
	for _, p := range o {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Set appends key/value, or replaces the value in place if key already
// exists, preserving its original position.
func (o Object) Set(key string, value interface{}) Object {
	for i, p := range o {
		if p.Key == key {
			o[i].Value = value
			return o
		}
	}
	return append(o, Pair{Key: key, Value: value})
}

// ECMAArray is an AMF0 ECMA Array (marker 0x08): like Object but prefixed on
// the wire with a 32-bit associative-count hint. Order is preserved the same
// way as Object.
type ECMAArray []Pair

// Get mirrors Object.Get.
func (a ECMAArray) Get(key string) (interface{}, bool) {
	return Object(a).Get(key)
}
