package boltpersistence

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/procflow/continuum/continuation"
	"github.com/procflow/continuum/internal/x/bboltx"
	"github.com/procflow/continuum/persistence/internal/codec"
)

type leaseRecord struct {
	NodeID    string `cbor:"1,keyasint"`
	Token     string `cbor:"2,keyasint"`
	ExpiresAt int64  `cbor:"3,keyasint"`
}

type lockRecord struct {
	HolderID   string `cbor:"1,keyasint"`
	Token      uint64 `cbor:"2,keyasint"`
	AcquiredAt int64  `cbor:"3,keyasint"`
	ExpiresAt  int64  `cbor:"4,keyasint"`
}

type entityRecord struct {
	Revision uint64 `cbor:"1,keyasint"`
	Data     []byte `cbor:"2,keyasint"`
}

// marshal marshals v to CBOR, panicking on failure.
func marshal(v interface{}) []byte {
	data, err := cbor.Marshal(v)
	bboltx.Must(err)
	return data
}

// unmarshal unmarshals CBOR data into v, panicking on failure.
//
// data is copied first, as BoltDB values are only valid for the life of the
// transaction.
func unmarshal(data []byte, v interface{}) {
	data = append([]byte(nil), data...)
	bboltx.Must(cbor.Unmarshal(data, v))
}

func marshalContinuation(d continuation.Descriptor) []byte {
	data, err := codec.MarshalContinuation(d)
	bboltx.Must(err)
	return data
}

func unmarshalContinuation(data []byte) continuation.Descriptor {
	d, err := codec.UnmarshalContinuation(append([]byte(nil), data...))
	bboltx.Must(err)
	return d
}

func marshalIncident(i continuation.Incident) []byte {
	data, err := codec.MarshalIncident(i)
	bboltx.Must(err)
	return data
}

func unmarshalIncident(data []byte) continuation.Incident {
	i, err := codec.UnmarshalIncident(append([]byte(nil), data...))
	bboltx.Must(err)
	return i
}
