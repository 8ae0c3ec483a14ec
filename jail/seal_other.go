//go:build !linux

package jail

import "fmt"

// Seal is only implemented on linux.
func Seal(req *InitRequest) error {
	return stepError(StepFilesystem, fmt.Errorf("jail requires linux namespaces"))
}
