package export

import (
	"bytes"
	"html/template"
	"strings"

	"chronicle/annotator/internal/annotation"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(reportHTML))

// ReportEntry is one annotation in the report.
type ReportEntry struct {
	Quotes []string
	Text   string
	Tags   []string
	Orphan bool
}

type reportData struct {
	Title   string
	Entries []ReportEntry
	Orphans int
}

// RenderReport lists anns with the text they quote.
func RenderReport(title string, anns []*annotation.Annotation) (string, error) {
	data := reportData{Title: title}
	for _, ann := range anns {
		entry := ReportEntry{Text: ann.Text, Tags: ann.Tags, Orphan: ann.Orphan}
		for _, target := range ann.Target {
			if q, ok := target.Selector.Quote(); ok {
				entry.Quotes = append(entry.Quotes, q.Exact)
			}
		}
		if ann.Orphan {
			data.Orphans++
		}
		data.Entries = append(data.Entries, entry)
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<section class="annotator-report">
  <h2>Annotations{{if .Title}} on {{.Title}}{{end}}</h2>
  {{if .Orphans}}<p class="annotator-report-orphans">{{.Orphans}} could not be found in this version of the document.</p>{{end}}
  <ol>
  {{range .Entries}}<li{{if .Orphan}} class="annotator-orphan"{{end}}>
    {{range .Quotes}}<blockquote>{{.}}</blockquote>{{end}}
    {{with .Text}}<p>{{.}}</p>{{end}}
    {{if .Tags}}<p class="annotator-tags">{{join .Tags ", "}}</p>{{end}}
  </li>
  {{end}}</ol>
</section>`
