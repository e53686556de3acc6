package envelope

import (
	"encoding/json"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Content types accepted in the Content-Type header. An absent header
// means JSON.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// Times travel as RFC 3339 text so JSON and CBOR bodies carry the
	// same representation.
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a request body in the given content type. Field names
// come from the json struct tags for both codecs.
func Marshal(contentType string, v any) ([]byte, error) {
	if contentType == ContentTypeCBOR {
		return cborEnc.Marshal(v)
	}
	return json.Marshal(v)
}

func unmarshal(contentType string, data []byte, v any) error {
	if contentType == ContentTypeCBOR {
		return cborDec.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
