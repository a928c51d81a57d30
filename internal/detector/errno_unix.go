//go:build !windows

package detector

import (
	"errors"
	"io/fs"
	"syscall"
)

// classifySyscallError maps Unix errno values that indicate an unreachable
// filesystem. An empty type means the error is not one of them.
func classifySyscallError(err error) (ErrorType, string) {
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		return "", ""
	}

	errno, ok := pathErr.Err.(syscall.Errno)
	if !ok {
		return "", ""
	}

	switch errno {
	case syscall.ESTALE:
		return ErrorMountLost, "stale NFS file handle"
	case syscall.ETIMEDOUT:
		return ErrorTimeout, "filesystem operation timed out"
	case syscall.ENODEV, syscall.ENXIO:
		return ErrorMountLost, "device not available (mount offline)"
	case syscall.EIO:
		return ErrorIO, "I/O error"
	case syscall.EHOSTDOWN, syscall.EHOSTUNREACH, syscall.ENETDOWN, syscall.ENETUNREACH:
		return ErrorMountLost, "network/host unreachable"
	}
	return "", ""
}
