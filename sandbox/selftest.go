package sandbox

import (
	"context"
	"fmt"
	"strings"
)

// SelfTestCode is the program the self-test runs through the full pipeline.
const SelfTestCode = `print("Hello, World!")`

const selfTestExpected = "Hello, World!"

// SelfTestReport is the outcome of one self-test run.
type SelfTestReport struct {
	Passed bool            `json:"passed"`
	Reason string          `json:"reason,omitempty"`
	Result ExecutionResult `json:"result"`
}

// SelfTest runs a known program as hostID and checks its output.
func SelfTest(ctx context.Context, executor SandboxExecutor, hostID, requestID string) (SelfTestReport, error) {
	result, err := executor.Execute(ctx, ExecutionRequest{
		Code:      SelfTestCode,
		HostID:    hostID,
		RequestID: requestID,
	})
	if err != nil {
		return SelfTestReport{Result: result, Reason: err.Error()}, fmt.Errorf("self-test execution failed: %w", err)
	}

	report := SelfTestReport{Result: result}
	switch {
	case result.TerminationReason != ReasonExited:
		report.Reason = fmt.Sprintf("terminated with %s", result.TerminationReason)
	case result.ExitCode != 0:
		report.Reason = fmt.Sprintf("exit code %d", result.ExitCode)
	case strings.TrimSpace(result.Stdout) != selfTestExpected:
		report.Reason = fmt.Sprintf("unexpected output %q", result.Stdout)
	default:
		report.Passed = true
	}
	return report, nil
}
