// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dirsync

import (
	"reflect"

	rpc "github.com/luxfi/fabric"
)

const (
	MethodBulkSync     rpc.MethodID = 1
	MethodAddServer    rpc.MethodID = 2
	MethodRemoveServer rpc.MethodID = 3
)

// BulkSync is a host's full directory. Entries attributed to Host replace
// everything the receiver holds for Host.
type BulkSync struct {
	Host    string  `cbor:"1,keyasint"`
	Entries []Entry `cbor:"2,keyasint"`
}

type AddServer struct {
	Entry Entry `cbor:"1,keyasint"`
}

type RemoveServer struct {
	Host    string `cbor:"1,keyasint"`
	Service string `cbor:"2,keyasint"`
}

// Desc declares the sync methods. All three are oneway.
var Desc = rpc.ServiceDesc{
	Name: "fabric.DirSync",
	Methods: []rpc.MethodDesc{
		{ID: MethodBulkSync, Name: "BulkSync", Args: reflect.TypeOf(BulkSync{})},
		{ID: MethodAddServer, Name: "AddServer", Args: reflect.TypeOf(AddServer{})},
		{ID: MethodRemoveServer, Name: "RemoveServer", Args: reflect.TypeOf(RemoveServer{})},
	},
}

// serviceDesc binds Desc to s's handlers.
func (s *Service) serviceDesc() *rpc.ServiceDesc {
	sd := Desc
	sd.Methods = append([]rpc.MethodDesc(nil), Desc.Methods...)
	for i := range sd.Methods {
		switch sd.Methods[i].ID {
		case MethodBulkSync:
			sd.Methods[i].Handler = rpc.TypedOneway(rpc.CBOR, s.applyBulkSync)
		case MethodAddServer:
			sd.Methods[i].Handler = rpc.TypedOneway(rpc.CBOR, s.applyAdd)
		case MethodRemoveServer:
			sd.Methods[i].Handler = rpc.TypedOneway(rpc.CBOR, s.applyRemove)
		}
	}
	return &sd
}
