package jail

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Descriptor numbers the helper inherits in addition to stdio.
const (
	RequestFD = 3
	StatusFD  = 4
)

// Fixed paths inside the jail.
const (
	ScratchDir = "/scratch"
	CodeFile   = "main.py"
)

// DefaultDevices are bind-mounted into every jail.
var DefaultDevices = []string{"/dev/null", "/dev/zero", "/dev/urandom"}

// Limits are the kernel resource ceilings applied before the privilege drop.
type Limits struct {
	CPUTimeSeconds    uint64 `json:"cpu_time_seconds"`
	AddressSpaceBytes uint64 `json:"address_space_bytes"`
	FileSizeBytes     uint64 `json:"file_size_bytes"`
	Processes         uint64 `json:"processes"`
	OpenFiles         uint64 `json:"open_files"`
}

// InitRequest is everything the helper needs to seal one execution.
type InitRequest struct {
	ExecutionID     string     `json:"execution_id"`
	RootDir         string     `json:"root_dir"`
	RuntimeRoot     string     `json:"runtime_root"`
	RuntimeMounts   []string   `json:"runtime_mounts"`
	Devices         []string   `json:"devices"`
	ScratchBytes    int64      `json:"scratch_bytes"`
	Code            []byte     `json:"code"`
	Interpreter     string     `json:"interpreter"`
	InterpreterArgs []string   `json:"interpreter_args"`
	Env             []string   `json:"env"`
	UID             int        `json:"uid"`
	GID             int        `json:"gid"`
	Limits          Limits     `json:"limits"`
	Policy          PolicySpec `json:"policy"`
}

// Validate checks the request before any step is applied.
func (r *InitRequest) Validate() error {
	if r.ExecutionID == "" {
		return fmt.Errorf("execution id is required")
	}
	if !filepath.IsAbs(r.RootDir) {
		return fmt.Errorf("root dir must be absolute: %q", r.RootDir)
	}
	if !filepath.IsAbs(r.RuntimeRoot) {
		return fmt.Errorf("runtime root must be absolute: %q", r.RuntimeRoot)
	}
	for _, m := range r.RuntimeMounts {
		if !filepath.IsAbs(m) || strings.Contains(m, "..") {
			return fmt.Errorf("invalid runtime mount: %q", m)
		}
	}
	if !filepath.IsAbs(r.Interpreter) {
		return fmt.Errorf("interpreter must be absolute: %q", r.Interpreter)
	}
	if r.ScratchBytes <= 0 {
		return fmt.Errorf("scratch size must be positive")
	}
	if r.UID <= 0 || r.GID <= 0 {
		return fmt.Errorf("refusing to run untrusted code as uid %d gid %d", r.UID, r.GID)
	}
	l := r.Limits
	if l.CPUTimeSeconds == 0 || l.AddressSpaceBytes == 0 || l.FileSizeBytes == 0 || l.Processes == 0 || l.OpenFiles == 0 {
		return fmt.Errorf("every resource limit must be positive")
	}
	return nil
}

// Argv returns the interpreter command line for the code file.
func (r *InitRequest) Argv() []string {
	argv := make([]string, 0, len(r.InterpreterArgs)+2)
	argv = append(argv, r.Interpreter)
	argv = append(argv, r.InterpreterArgs...)
	return append(argv, filepath.Join(ScratchDir, CodeFile))
}

// WriteRequest encodes req onto w.
func WriteRequest(w io.Writer, req *InitRequest) error {
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode init request: %w", err)
	}
	return nil
}

// ReadRequest decodes and validates a request from r.
func ReadRequest(r io.Reader) (*InitRequest, error) {
	var req InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, &SetupError{Step: StepDecode, Message: fmt.Sprintf("decode request: %v", err)}
	}
	if err := req.Validate(); err != nil {
		return nil, &SetupError{Step: StepDecode, Message: err.Error()}
	}
	return &req, nil
}
