// Package report renders workload results
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/workloads"
)

// Sink receives workload results for display
type Sink interface {
	Report(r *workloads.Result) error
}

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(12)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

// Console writes results as labelled lines
type Console struct {
	W        io.Writer
	Elements int // vector elements listed, -1 for all
}

// NewConsole creates a Console writing to w
func NewConsole(w io.Writer) *Console {
	return &Console{W: w}
}

func (c *Console) Report(r *workloads.Result) error {
	var b strings.Builder
	b.WriteString(titleStyle.Render(r.Workload) + "\n")

	if r.Output == nil {
		line(&b, "value", fmt.Sprintf("%.15f", r.Value))
	}
	n := len(r.Output)
	if c.Elements >= 0 && c.Elements < n {
		n = c.Elements
	}
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "h_a: %g h_b %g h_c %g\n", r.A[i], r.B[i], r.Output[i])
	}

	line(&b, "plan", r.Plan.String())
	if r.Plan.Truncated() {
		b.WriteString(warnStyle.Render(fmt.Sprintf("%d requested units were not computed", r.Plan.Discarded())) + "\n")
	}
	timing := fmt.Sprintf("%.3f microseconds", r.Measurement.Microseconds)
	if r.Measurement.HostMeasured {
		timing += " (host clock)"
	}
	line(&b, "time", timing)
	line(&b, "device", r.Device.Name)

	_, err := io.WriteString(c.W, b.String())
	return err
}

func line(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label) + valueStyle.Render(value) + "\n")
}

// Devices writes one line per device
func Devices(w io.Writer, infos []device.Info) error {
	if len(infos) == 0 {
		_, err := io.WriteString(w, warnStyle.Render("no devices available")+"\n")
		return err
	}
	var b strings.Builder
	for _, info := range infos {
		profiling := "no"
		if info.SupportsProfiling {
			profiling = "yes"
		}
		fmt.Fprintf(&b, "%s %s\n",
			labelStyle.Render(fmt.Sprintf("%s:%d", info.Backend, info.ID)),
			valueStyle.Render(fmt.Sprintf("%s [%s, %s, profiling %s]", info.Name, info.Kind, info.Dialect, profiling)))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
