//go:build !linux

package jail

import "errors"

// ValidatePolicy always fails: seccomp filters only exist on Linux.
func ValidatePolicy(spec PolicySpec) error {
	if err := spec.check(); err != nil {
		return err
	}
	return errors.New("seccomp is only supported on linux")
}
