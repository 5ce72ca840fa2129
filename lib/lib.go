// Package lib holds small helpers shared by the command line entry points.
package lib

import "os"

// IsTTY reports whether f is a character device such as a terminal. Files
// that cannot be inspected are not terminals.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}

	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
