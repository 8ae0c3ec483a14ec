package jail

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Step names one stage of the sealing sequence.
type Step string

const (
	StepDecode     Step = "decode"
	StepFilesystem Step = "filesystem"
	StepScratch    Step = "scratch"
	StepRlimits    Step = "rlimits"
	StepIdentity   Step = "identity"
	StepSeccomp    Step = "seccomp"
	StepExec       Step = "exec"
)

// ExitSetupFailed is the helper's exit code when sealing failed.
const ExitSetupFailed = 125

// SetupError reports which step of the sealing sequence failed.
type SetupError struct {
	Step    Step   `json:"step"`
	Message string `json:"message"`
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("jail setup failed at %s: %s", e.Step, e.Message)
}

func stepError(step Step, err error) error {
	if err == nil {
		return nil
	}
	return &SetupError{Step: step, Message: err.Error()}
}

// ReportError writes err to the status stream. Nil errors write nothing.
func ReportError(w io.Writer, err error) {
	if err == nil || w == nil {
		return
	}
	var setupErr *SetupError
	if !errors.As(err, &setupErr) {
		setupErr = &SetupError{Step: StepExec, Message: err.Error()}
	}
	_ = json.NewEncoder(w).Encode(setupErr)
}

// ReadStatus consumes the status stream until EOF. It returns nil when the
// helper reached execve, or the reported SetupError.
func ReadStatus(r io.Reader) error {
	data, err := io.ReadAll(io.LimitReader(r, 64*1024))
	if err != nil {
		return fmt.Errorf("read jail status: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var setupErr SetupError
	if err := json.Unmarshal(data, &setupErr); err != nil {
		return fmt.Errorf("malformed jail status %q: %w", string(data), err)
	}
	return &setupErr
}
