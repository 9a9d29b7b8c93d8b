package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// OpenParams is the payload of a TypeOpen packet. It carries the immutable
// attributes of the channel being opened so the peer can mirror them.
type OpenParams struct {
	Label          string `cbor:"label"`
	Protocol       string `cbor:"protocol"`
	Ordered        bool   `cbor:"ordered"`
	Reliability    uint8  `cbor:"reliability"`
	MaxRetransmits uint16 `cbor:"maxRetransmits,omitempty"`
	MaxLifetimeMs  uint32 `cbor:"maxLifetimeMs,omitempty"`
	Priority       string `cbor:"priority,omitempty"`
}

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// parameters always produce identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so newer peers can add parameters.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeOpenParams serializes open parameters as CBOR.
func EncodeOpenParams(p OpenParams) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode open params: %w", err)
	}
	return data, nil
}

// DecodeOpenParams parses a TypeOpen payload.
func DecodeOpenParams(data []byte) (OpenParams, error) {
	var p OpenParams
	if len(data) == 0 {
		return p, fmt.Errorf("decode open params: empty payload")
	}
	if err := decMode.Unmarshal(data, &p); err != nil {
		return OpenParams{}, fmt.Errorf("decode open params: %w", err)
	}
	return p, nil
}
