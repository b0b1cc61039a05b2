//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package main

func terminalSize(int) (int, int, bool) {
	return 0, 0, false
}
