package report

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"
)

//go:embed weekly.html.tmpl
var weeklyHTML string

var htmlTmpl = template.Must(template.New("weekly").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.Format(time.DateOnly) },
	"pct":  func(v float64) string { return fmt.Sprintf("%.2f%%", v*100) },
	"num":  func(v float64) string { return fmt.Sprintf("%.1f", v) },
	"delta": func(v *float64) string {
		if v == nil {
			return "no data"
		}
		return fmt.Sprintf("%+.2f", *v)
	},
}).Parse(weeklyHTML))

// BaseName is the artifact name for a report, keyed by period start.
func BaseName(rep WeeklyReport) string {
	return "weekly_report_" + rep.PeriodStart.Format(time.DateOnly)
}

// Write stores rep as JSON (and HTML when withHTML) in dir and returns the
// written paths. Files are replaced atomically.
func Write(dir string, rep WeeklyReport, withHTML bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Join(dir, BaseName(rep))

	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(base+".json", b); err != nil {
		return nil, err
	}
	paths := []string{base + ".json"}

	if withHTML {
		var buf bytes.Buffer
		if err := RenderHTML(&buf, rep); err != nil {
			return paths, err
		}
		if err := writeAtomic(base+".html", buf.Bytes()); err != nil {
			return paths, err
		}
		paths = append(paths, base+".html")
	}
	return paths, nil
}

// RenderHTML renders a self-contained HTML page for rep.
func RenderHTML(w io.Writer, rep WeeklyReport) error {
	return htmlTmpl.Execute(w, rep)
}

func writeAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
