package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/worldland/gpu-fleet/internal/sshmgr"
	"github.com/worldland/gpu-fleet/internal/store"
)

// PrintHeader prints a section header
func PrintHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "\n=== %s ===\n", title)
}

// PrintField prints a labeled field
func PrintField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-14s %s\n", label+":", value)
}

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// PrintServersTable displays servers and their GPUs
func PrintServersTable(w io.Writer, servers []store.Server) {
	PrintHeader(w, fmt.Sprintf("Servers (%d)", len(servers)))

	if len(servers) == 0 {
		fmt.Fprintln(w, "  (no servers have reported yet)")
		return
	}

	fmt.Fprintf(w, "  %-24s %-16s %-12s %6s %6s %5s  %s\n", "HOSTNAME", "IP", "ALIAS", "CPU%", "MEM%", "GPUS", "UPDATED")
	for _, s := range servers {
		fmt.Fprintf(w, "  %-24s %-16s %-12s %6.1f %6.1f %5d  %s\n",
			truncate(s.Hostname, 24), s.IPAddress, truncate(deref(s.Alias), 12),
			s.CPUPercent, s.MemoryPercent, len(s.GPUs), formatTime(&s.UpdatedAt))
		for _, g := range s.GPUs {
			fmt.Fprintf(w, "    - %-40s %-22s %3d%% util  %6d/%-6d MiB  %3dC\n",
				g.UUID, truncate(g.GPUName, 22), g.UtilizationPercent, g.MemoryUsed, g.MemoryTotal, g.Temperature)
		}
	}
}

// PrintExperimentsTable displays experiments, newest first
func PrintExperimentsTable(w io.Writer, exps []store.Experiment) {
	PrintHeader(w, fmt.Sprintf("Experiments (%d)", len(exps)))

	if len(exps) == 0 {
		fmt.Fprintln(w, "  (no experiments)")
		return
	}

	fmt.Fprintf(w, "  %-6s %-10s %-20s %-40s %s\n", "ID", "STATUS", "HOST", "COMMAND", "CREATED")
	for _, e := range exps {
		fmt.Fprintf(w, "  %-6d %-10s %-20s %-40s %s\n",
			e.ID, e.Status, truncate(e.ServerHostname, 20), truncate(e.Command, 40), formatTime(&e.CreatedAt))
	}
}

// PrintExperiment displays one experiment with its log
func PrintExperiment(w io.Writer, e *store.Experiment) {
	PrintHeader(w, fmt.Sprintf("Experiment %d", e.ID))
	PrintField(w, "Status", string(e.Status))
	PrintField(w, "Host", e.ServerHostname)
	PrintField(w, "Command", e.Command)
	PrintField(w, "Repository", deref(e.GitRepo))
	PrintField(w, "Commit", deref(e.GitCommit))
	if e.Image != nil {
		PrintField(w, "Image", *e.Image)
	}
	PrintField(w, "Created", formatTime(&e.CreatedAt))
	PrintField(w, "Started", formatTime(e.StartedAt))
	PrintField(w, "Ended", formatTime(e.EndedAt))

	PrintHeader(w, "Log")
	if e.Log == "" {
		fmt.Fprintln(w, "  (empty)")
		return
	}
	fmt.Fprint(w, e.Log)
	if !strings.HasSuffix(e.Log, "\n") {
		fmt.Fprintln(w)
	}
}

// PrintExecResult writes remote stdout and stderr verbatim
func PrintExecResult(w, errW io.Writer, r *sshmgr.ExecResult) {
	fmt.Fprint(w, r.Stdout)
	fmt.Fprint(errW, r.Stderr)
}

// PrintList prints one item per line
func PrintList(w io.Writer, title string, items []string) {
	PrintHeader(w, fmt.Sprintf("%s (%d)", title, len(items)))
	if len(items) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, it := range items {
		fmt.Fprintf(w, "  %s\n", it)
	}
}

// PrintSuccess prints a success message
func PrintSuccess(w io.Writer, message string) {
	fmt.Fprintf(w, "%s\n", message)
}
