// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build !unix

package main

import "os"

type controlAction int

const (
	controlNone controlAction = iota
	controlDump
	controlResync
)

// Dump and resync signals are unix only; the periodic resync still runs.
func notifyControl(chan<- os.Signal) {}

func control(os.Signal) controlAction { return controlNone }
