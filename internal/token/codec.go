package token

import "github.com/fxamacker/cbor/v2"

// Claims are CBOR encoded with Core Deterministic Encoding, so equal claims
// always seal the same plaintext bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("token: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic("token: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalClaims(c Claims) ([]byte, error) {
	return encMode.Marshal(c)
}

func unmarshalClaims(b []byte) (Claims, error) {
	var c Claims
	err := decMode.Unmarshal(b, &c)
	return c, err
}
