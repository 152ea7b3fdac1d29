//go:build !unix

package fileserver

import "errors"

func mkfifo(string) error {
	return errors.New("fifos are not supported on this platform")
}
