package launcher

import (
	"os/exec"
	"sync"
)

// Process is a spawned child that can be waited on and killed.
type Process interface {
	Pid() int
	Wait() error
	Kill() error
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, error)
	// Start launches a process without waiting for it to exit.
	Start(name string, args ...string) (Process, error)
}

// DefaultCommandRunner executes commands via os/exec.
type DefaultCommandRunner struct{}

// Run executes a command and returns its combined output.
func (DefaultCommandRunner) Run(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Start launches a process in the background. Stdout and stderr are
// discarded.
func (DefaultCommandRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	once    sync.Once
	waitErr error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// Wait may be called more than once; later calls return the first result.
func (p *execProcess) Wait() error {
	p.once.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }
