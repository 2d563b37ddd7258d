// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// Codec encodes typed arguments and replies to payload bytes.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged (for pre-encoded data) and
// falls back to JSON for anything else.
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return json.Marshal(v)
}

func (BinaryCodec) Decode(data []byte, v interface{}) error {
	if b, ok := v.(*[]byte); ok {
		*b = data
		return nil
	}
	return json.Unmarshal(data, v)
}

// Binary is a codec that passes bytes through unchanged
var Binary Codec = BinaryCodec{}

// CBORCodec uses canonical CBOR, so equal values encode to equal bytes.
type CBORCodec struct{}

var cborEnc = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func (CBORCodec) Encode(v interface{}) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (CBORCodec) Decode(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

// CBOR is the shared CBOR codec.
var CBOR Codec = CBORCodec{}

// ProtoCodec moves proto.Message values.
type ProtoCodec struct{}

func (ProtoCodec) Encode(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, errors.Errorf("rpc: %T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Decode(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return errors.Errorf("rpc: %T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}
