// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build !linux

package transport

import "github.com/pkg/errors"

func init() {
	Register(KindTIPC, newTIPC)
	Register(KindTIPCOneway, newTIPC)
}

func newTIPC(d Descriptor, _ *Options) (Transport, error) {
	return nil, errors.Wrapf(ErrUnsupported, "%v requires linux", d.Kind)
}
