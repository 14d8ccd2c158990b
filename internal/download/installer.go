package download

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/registry"
)

// DependencyInstaller installs runtime packages a model needs after download
type DependencyInstaller interface {
	Install(ctx context.Context, desc registry.ModelDescriptor, modelDir string) error
}

// PipInstaller runs "python -m pip install" for a model's dependencies
type PipInstaller struct {
	Python string
	Logger *logger.Logger
}

// NewPipInstaller creates an installer using the given interpreter
func NewPipInstaller(python string, log *logger.Logger) *PipInstaller {
	if python == "" {
		python = "python3"
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &PipInstaller{Python: python, Logger: log}
}

// Install expands "{model_dir}" in every dependency and installs them in one pip call
func (p *PipInstaller) Install(ctx context.Context, desc registry.ModelDescriptor, modelDir string) error {
	if len(desc.Dependencies) == 0 {
		return nil
	}

	args := []string{"-m", "pip", "install"}
	args = append(args, ExpandDependencies(desc.Dependencies, modelDir)...)

	p.Logger.WithField("model", desc.ID).Infof("安装依赖: %s %s", p.Python, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, p.Python, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pip install failed: %w: %s", err, tail(string(out), 512))
	}
	return nil
}

// ExpandDependencies substitutes the model directory into dependency specs
func ExpandDependencies(deps []string, modelDir string) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = strings.ReplaceAll(d, "{model_dir}", modelDir)
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
