// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build unix

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

type controlAction int

const (
	controlNone controlAction = iota
	controlDump
	controlResync
)

func notifyControl(c chan<- os.Signal) {
	signal.Notify(c, unix.SIGUSR1, unix.SIGHUP)
}

func control(sig os.Signal) controlAction {
	switch sig {
	case unix.SIGUSR1:
		return controlDump
	case unix.SIGHUP:
		return controlResync
	default:
		return controlNone
	}
}
