// Package codec is the CBOR configuration for structured message bodies.
//
// Message bodies travel as opaque bytes inside broker records. Components
// that exchange structured values encode them here so every sender produces
// the same bytes for the same value: sorted map keys, smallest integer
// encoding, no indefinite-length items.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// any-typed targets decode maps as map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose renders data in CBOR diagnostic notation.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// Describe renders a message body for people: diagnostic notation when it
// is one well-formed CBOR item, the raw text otherwise.
func Describe(body []byte) string {
	if len(body) == 0 || decMode.Wellformed(body) != nil {
		return string(body)
	}
	diag, err := cbor.Diagnose(body)
	if err != nil {
		return string(body)
	}
	return diag
}
