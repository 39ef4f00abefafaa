package retry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// Win32 error codes that matter for retry decisions.
const (
	ErrorFileNotFound           int32 = 2
	ErrorAccessDenied           int32 = 5
	ErrorSharingViolation       int32 = 32
	ErrorLockViolation          int32 = 33
	ErrorInvalidName            int32 = 123
	ErrorCancelled              int32 = 1223
	ErrorInstallAlreadyRunning  int32 = 1618
	ErrorSuccessRebootInitiated int32 = 1641
	ErrorSuccessRebootRequired  int32 = 3010
)

// EFail is the generic failure HRESULT.
const EFail int32 = -2147467259 // 0x80004005

// Succeeded reports whether code denotes success.
func Succeeded(code int32) bool { return code == 0 }

// Failed reports whether code denotes a failure.
func Failed(code int32) bool { return code != 0 }

// HResultFromWin32 maps a Win32 error code to its HRESULT (0x8007xxxx) form.
// Zero and negative values are returned unchanged.
func HResultFromWin32(code int32) int32 {
	if code <= 0 {
		return code
	}
	return int32(uint32(code)&0xFFFF | 0x80070000)
}

// FormatCode renders a result code the way installer logs show it:
// HRESULTs in hex, Win32 codes in decimal.
func FormatCode(code int32) string {
	if code < 0 {
		return fmt.Sprintf("0x%08x", uint32(code))
	}
	return strconv.FormatInt(int64(code), 10)
}

// TransientFunc reports whether a failure code is expected to clear without
// user intervention.
type TransientFunc func(code int32) bool

// DefaultTransientCodes are the Win32 and HRESULT forms of sharing violation,
// lock violation and install-already-running.
var DefaultTransientCodes = []int32{
	ErrorSharingViolation,
	ErrorLockViolation,
	ErrorInstallAlreadyRunning,
	HResultFromWin32(ErrorSharingViolation),
	HResultFromWin32(ErrorLockViolation),
	HResultFromWin32(ErrorInstallAlreadyRunning),
}

// TransientCodes returns a TransientFunc matching exactly the given codes.
// Success is never transient.
func TransientCodes(codes ...int32) TransientFunc {
	set := make(map[int32]struct{}, len(codes))
	for _, c := range codes {
		if c != 0 {
			set[c] = struct{}{}
		}
	}
	return func(code int32) bool {
		_, ok := set[code]
		return ok
	}
}

// DefaultTransient classifies DefaultTransientCodes as transient.
var DefaultTransient = TransientCodes(DefaultTransientCodes...)

// ParseCodes parses a comma, semicolon or whitespace separated list of result
// codes. Values are signed decimal or unsigned 0x-prefixed hex; nothing else
// is accepted, so "032" is 32 and "0b1" or "1_000" are errors. Hex values
// above MaxInt32 wrap to their signed 32-bit form so "0x80070020" is accepted.
func ParseCodes(s string) ([]int32, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	codes := make([]int32, 0, len(fields))
	for _, f := range fields {
		code, err := parseCode(f)
		if err != nil {
			return nil, fmt.Errorf("retry: invalid result code %q: %w", f, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

func parseCode(f string) (int32, error) {
	if hex, ok := strings.CutPrefix(strings.ToLower(f), "0x"); ok {
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return 0, err
		}
		return int32(uint32(v)), nil
	}
	v, err := strconv.ParseInt(f, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxUint32 {
		return 0, errors.New("out of 32-bit range")
	}
	return int32(uint32(v)), nil
}

// ResultFromError maps an error from a file or process operation to a result
// code. nil maps to success.
func ResultFromError(err error) int32 {
	if err == nil {
		return 0
	}

	if errors.Is(err, context.Canceled) {
		return HResultFromWin32(ErrorCancelled)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		// Errno values are Win32 codes on Windows.
		if runtime.GOOS == "windows" {
			return HResultFromWin32(int32(errno))
		}
		switch errno {
		case syscall.EBUSY, syscall.ETXTBSY:
			return HResultFromWin32(ErrorSharingViolation)
		case syscall.EAGAIN, syscall.EDEADLK:
			return HResultFromWin32(ErrorLockViolation)
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return HResultFromWin32(ErrorFileNotFound)
	case errors.Is(err, fs.ErrPermission):
		return HResultFromWin32(ErrorAccessDenied)
	}

	return EFail
}
