// Package setup checks that an agent host has the tools its jobs need.
package setup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

const versionTimeout = 5 * time.Second

// ComponentStatus represents the installation status of a required component
type ComponentStatus struct {
	Name      string
	Required  bool
	Installed bool
	Version   string
}

// component is one binary the agent may shell out to.
type component struct {
	name     string
	required bool
	args     []string
}

// agentComponents lists what the job runner and telemetry sources invoke.
var agentComponents = []component{
	{name: "sh", required: true},
	{name: "git", required: true, args: []string{"--version"}},
	{name: "nvidia-smi", args: []string{"--query-gpu=driver_version", "--format=csv,noheader"}},
	{name: "docker", args: []string{"--version"}},
}

// PreflightResult contains the results of the preflight check
type PreflightResult struct {
	Components []ComponentStatus
	OSId       string // "ubuntu", "debian", etc.
	OSVersion  string // "22.04", "12", etc.
	GPUFound   bool
	GPUName    string
}

// Checker runs preflight probes. The zero value uses the real system.
type Checker struct {
	LookPath  func(file string) (string, error)
	Output    func(ctx context.Context, name string, args ...string) ([]byte, error)
	OSRelease string
}

func (c Checker) withDefaults() Checker {
	if c.LookPath == nil {
		c.LookPath = exec.LookPath
	}
	if c.Output == nil {
		c.Output = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	if c.OSRelease == "" {
		c.OSRelease = "/etc/os-release"
	}
	return c
}

// RunPreflight checks for all agent components and system info
func RunPreflight(ctx context.Context) *PreflightResult {
	return Checker{}.Run(ctx)
}

func (c Checker) Run(ctx context.Context) *PreflightResult {
	c = c.withDefaults()
	result := &PreflightResult{}

	result.OSId, result.OSVersion = detectOS(c.OSRelease)

	for _, comp := range agentComponents {
		result.Components = append(result.Components, c.checkComponent(ctx, comp))
	}

	result.GPUFound, result.GPUName = c.detectNvidiaGPU(ctx)
	return result
}

// MissingRequired returns the names of required components that are not installed
func (r *PreflightResult) MissingRequired() []string {
	var missing []string
	for _, c := range r.Components {
		if c.Required && !c.Installed {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// MissingOptional returns the optional components that are not installed
func (r *PreflightResult) MissingOptional() []string {
	var missing []string
	for _, c := range r.Components {
		if !c.Required && !c.Installed {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// PrintStatus prints the preflight check results
func (r *PreflightResult) PrintStatus(w io.Writer) {
	for _, c := range r.Components {
		switch {
		case c.Installed:
			fmt.Fprintf(w, "  ✓ %s: %s\n", c.Name, c.Version)
		case c.Required:
			fmt.Fprintf(w, "  ✗ %s: NOT INSTALLED\n", c.Name)
		default:
			fmt.Fprintf(w, "  - %s: not installed (optional)\n", c.Name)
		}
	}
	fmt.Fprintf(w, "  OS: %s %s\n", r.OSId, r.OSVersion)
	if r.GPUFound {
		fmt.Fprintf(w, "  GPU: %s\n", r.GPUName)
	} else {
		fmt.Fprintln(w, "  GPU: none detected")
	}
}

func (c Checker) checkComponent(ctx context.Context, comp component) ComponentStatus {
	cs := ComponentStatus{Name: comp.name, Required: comp.required}

	if _, err := c.LookPath(comp.name); err != nil {
		return cs
	}
	cs.Installed = true
	if len(comp.args) == 0 {
		return cs
	}

	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := c.Output(ctx, comp.name, comp.args...)
	if err != nil {
		// Binary exists but version command failed
		cs.Version = "(version unknown)"
		return cs
	}

	cs.Version, _, _ = strings.Cut(strings.TrimSpace(string(out)), "\n")
	if len(cs.Version) > 60 {
		cs.Version = cs.Version[:60]
	}
	return cs
}

func detectOS(path string) (id, version string) {
	f, err := os.Open(path)
	if err != nil {
		return "unknown", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			id = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
		}
		if strings.HasPrefix(line, "VERSION_ID=") {
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
	return id, version
}

func (c Checker) detectNvidiaGPU(ctx context.Context) (found bool, name string) {
	if _, err := c.LookPath("nvidia-smi"); err != nil {
		return false, ""
	}
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := c.Output(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
	if err != nil {
		return false, ""
	}
	// Take first line if multiple GPUs
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	first = strings.TrimSpace(first)
	return first != "", first
}
