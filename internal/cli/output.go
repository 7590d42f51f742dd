package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"studentvc/internal/issuance/handler"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func validFormat(f string) bool {
	return f == formatText || f == formatJSON || f == formatYAML
}

// printer renders command results. Structured formats share the HTTP API's
// response shapes; text output is styled when w is a terminal.
type printer struct {
	w      io.Writer
	format string

	label    lipgloss.Style
	accepted lipgloss.Style
	warning  lipgloss.Style
	rejected lipgloss.Style
	header   lipgloss.Style
}

func newPrinter(w io.Writer, format string) *printer {
	r := lipgloss.NewRenderer(w)
	return &printer{
		w:        w,
		format:   format,
		label:    r.NewStyle().Faint(true).Width(12),
		accepted: r.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		warning:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		rejected: r.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		header:   r.NewStyle().Bold(true).Padding(0, 1),
	}
}

// emit writes v as JSON or YAML, or calls text for the text format.
func (p *printer) emit(v any, text func() error) error {
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		// Round trip through JSON so YAML keys match the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text()
	}
}

func (p *printer) field(name string, value any) {
	fmt.Fprintf(p.w, "  %s %v\n", p.label.Render(name), value)
}

func (p *printer) verdict(outcome string) string {
	switch outcome {
	case "accepted":
		return p.accepted.Render("ACCEPTED")
	case "expired", "inactive", "untrusted":
		return p.warning.Render("REJECTED (" + outcome + ")")
	default:
		return p.rejected.Render("REJECTED (" + outcome + ")")
	}
}

func (p *printer) verification(v handler.VerifyResponse) {
	fmt.Fprintln(p.w, p.verdict(v.Outcome))
	if !v.Verified {
		return
	}
	p.field("issuer", v.Issuer)
	p.field("subject", v.Subject)
	if v.Credential != nil {
		if name, ok := v.Credential.CredentialSubject.Claim("name").(string); ok && name != "" {
			p.field("name", name)
		}
	}
	if v.Status != "" {
		p.field("status", v.Status)
	}
	if v.IssuedAt != nil {
		p.field("issued", formatTime(*v.IssuedAt))
	}
	if v.ExpiresAt != nil {
		p.field("expires", formatTime(*v.ExpiresAt))
	}
	p.field("trusted", v.Trusted)
}

func (p *printer) credentials(list handler.ListResponse) {
	if list.Count == 0 {
		fmt.Fprintln(p.w, "no credentials")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("SUBJECT", "STATUS", "ISSUED", "VERSION", "VERIFICATION")
	for _, c := range list.Credentials {
		t.Row(
			c.Record.SubjectID,
			string(c.Record.Status),
			formatTime(c.Record.IssuedAt),
			fmt.Sprint(c.Record.Version),
			c.Verification.Outcome,
		)
	}
	fmt.Fprintln(p.w, t.String())
	fmt.Fprintf(p.w, "%d credential(s)\n", list.Count)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
