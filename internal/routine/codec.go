package routine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes routine state for the store.
type Codec interface {
	Name() string
	Marshal(s State) ([]byte, error)
	Unmarshal(b []byte, s *State) error
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("routine: cbor encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	cborDec, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("routine: cbor decoder mode: %v", err))
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(s State) ([]byte, error)    { return json.Marshal(s) }
func (jsonCodec) Unmarshal(b []byte, s *State) error { return json.Unmarshal(b, s) }

type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Marshal(s State) ([]byte, error)    { return cborEnc.Marshal(s) }
func (cborCodec) Unmarshal(b []byte, s *State) error { return cborDec.Unmarshal(b, s) }

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName maps a config value to a Codec. Empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Decode reads a stored value written by either codec. JSON objects start
// with '{'; anything else is treated as CBOR.
func Decode(b []byte) (State, error) {
	var s State
	trimmed := strings.TrimSpace(string(b))
	c := CBOR
	if strings.HasPrefix(trimmed, "{") {
		c = JSON
	}
	if err := c.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("decode %s routine state: %w", c.Name(), err)
	}
	return s, nil
}
