//go:build windows

package detector

import (
	"errors"
	"io/fs"
	"syscall"
)

const (
	errRemNotList          syscall.Errno = 51
	errBadNetpath          syscall.Errno = 53
	errNetworkBusy         syscall.Errno = 54
	errDevNotExist         syscall.Errno = 55
	errUnexpNetErr         syscall.Errno = 59
	errNetnameDeleted      syscall.Errno = 64
	errNetworkAccessDenied syscall.Errno = 65
	errBadNetName          syscall.Errno = 67
	errSemTimeout          syscall.Errno = 121
)

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
	case errBadNetpath, errBadNetName, errNetnameDeleted:
		return ErrorMountLost, "network path not found"
	case errSemTimeout:
		return ErrorTimeout, "network operation timed out"
	case errDevNotExist, errRemNotList:
		return ErrorMountLost, "remote device not available"
	case errNetworkBusy, errUnexpNetErr:
		return ErrorIO, "network error"
	case errNetworkAccessDenied:
		return ErrorAccessDenied, "network access denied"
	}
	return "", ""
}
