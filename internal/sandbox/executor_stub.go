//go:build !linux

package sandbox

import (
	"context"

	"taoj/pkg/errors"
)

// Config controls the executor. Only the Linux build uses these settings.
type Config struct {
	HelperPath       string `yaml:"helperPath"`
	SeccompDir       string `yaml:"seccompDir"`
	EnableNamespaces bool   `yaml:"enableNamespaces"`
}

type stubExecutor struct{}

func NewExecutor(cfg Config) (Executor, error) {
	return &stubExecutor{}, nil
}

func (s *stubExecutor) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	return nil, errors.New(errors.SandboxSetupFailed).
		WithMessage("sandbox execution is only supported on linux")
}
