//go:build !unix

package util

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error { return nil }

func setCloexec(fd uintptr) error { return nil }
