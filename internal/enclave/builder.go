// Package enclave wraps the external Gramine toolchain: manifest
// rendering, trusted file expansion and enclave signing are delegated to
// gramine-manifest and gramine-sgx-sign, invoked once per enclave
// directory.
package enclave

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
	"github.com/alarmfox/enclave-benchmark/internal/logging"
)

// BuildParams carries everything the builder needs for one enclave.
type BuildParams struct {
	Executable       string
	NumThreads       int
	EnclaveSize      string // human form, e.g. "256M"
	Env              map[string]string
	Debug            bool
	ManifestTemplate string // optional custom template path
	ExperimentDir    string // receives manifest, sig and mount sources
}

// BuildResult points at the signed artifacts.
type BuildResult struct {
	ManifestPath  string
	SigPath       string
	EncryptedPath string
	UntrustedPath string
}

// Builder is the single capability the orchestrator consumes; the rest of
// the Gramine machinery stays behind it.
type Builder interface {
	BuildEnclave(ctx context.Context, params BuildParams) (BuildResult, error)
}

// GramineBuilder shells out to the Gramine CLI tools.
type GramineBuilder struct {
	privateKeyPath string
}

func NewGramineBuilder(privateKeyPath string) *GramineBuilder {
	return &GramineBuilder{privateKeyPath: privateKeyPath}
}

// extraEnclaveThreads leaves room for Gramine's internal threads on top of
// the workload's own.
const extraEnclaveThreads = 4

func (b *GramineBuilder) BuildEnclave(ctx context.Context, params BuildParams) (BuildResult, error) {
	logger := logging.GetLogger()

	name := filepath.Base(params.Executable)
	manifestPath := filepath.Join(params.ExperimentDir, name+".manifest")
	sgxManifestPath := filepath.Join(params.ExperimentDir, name+".manifest.sgx")
	sigPath := filepath.Join(params.ExperimentDir, name+".sig")

	result := BuildResult{
		ManifestPath:  sgxManifestPath,
		SigPath:       sigPath,
		EncryptedPath: filepath.Join(params.ExperimentDir, "encrypted"),
		UntrustedPath: filepath.Join(params.ExperimentDir, "untrusted"),
	}
	for _, dir := range []string{result.EncryptedPath, result.UntrustedPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return BuildResult{}, errdefs.Wrap(errdefs.ErrEnclaveBuildFailed, "cannot create %s: %v", dir, err)
		}
	}

	logLevel := "none"
	if params.Debug {
		logLevel = "debug"
	}
	rendered, err := renderManifest(params.ManifestTemplate, manifestData{
		Executable:    params.Executable,
		ExecutableDir: filepath.Dir(params.Executable),
		LogLevel:      logLevel,
		ArchLibDir:    archLibDir(),
		NumThreads:    params.NumThreads,
		MaxThreads:    params.NumThreads + extraEnclaveThreads,
		EnclaveSize:   params.EnclaveSize,
		EncryptedPath: result.EncryptedPath,
		UntrustedPath: result.UntrustedPath,
		Env:           params.Env,
	})
	if err != nil {
		return BuildResult{}, errdefs.Wrap(errdefs.ErrEnclaveBuildFailed, "cannot render manifest: %v", err)
	}

	templatePath := filepath.Join(params.ExperimentDir, name+".manifest.template")
	if err := os.WriteFile(templatePath, rendered, 0o644); err != nil {
		return BuildResult{}, errdefs.Wrap(errdefs.ErrEnclaveBuildFailed, "cannot write manifest template: %v", err)
	}

	if err := runTool(ctx, "gramine-manifest", templatePath, manifestPath); err != nil {
		return BuildResult{}, err
	}
	if err := runTool(ctx, "gramine-sgx-sign",
		"--manifest", manifestPath,
		"--key", b.privateKeyPath,
		"--output", sgxManifestPath,
	); err != nil {
		return BuildResult{}, err
	}

	for _, artifact := range []string{sgxManifestPath, sigPath} {
		if _, err := os.Stat(artifact); err != nil {
			return BuildResult{}, errdefs.Wrap(errdefs.ErrEnclaveBuildFailed, "missing artifact %s", artifact)
		}
	}

	logger.WithFields(logrus.Fields{
		"manifest": sgxManifestPath,
		"sig":      sigPath,
	}).Info("Enclave built and signed")
	return result, nil
}

func runTool(ctx context.Context, tool string, args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errdefs.Wrap(errdefs.ErrEnclaveBuildFailed, "%s failed: %v (%s)",
			tool, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func archLibDir() string {
	if runtime.GOARCH == "amd64" {
		return "/lib/x86_64-linux-gnu"
	}
	return "/lib"
}

// WrapperArgs builds the gramine-sgx invocation for a signed enclave: the
// manifest path without its .manifest.sgx suffix, followed by the
// workload's own arguments.
func WrapperArgs(manifestPath string, args []string) (string, []string) {
	base := strings.TrimSuffix(manifestPath, ".manifest.sgx")
	return "gramine-sgx", append([]string{base}, args...)
}
