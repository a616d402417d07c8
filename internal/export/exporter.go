package export

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"html/template"
	"net/url"
	"os"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rahul/datastory/internal/render"
	"github.com/rahul/datastory/internal/report"
)

// Snapshotter captures a full-page raster of an exported report.
type Snapshotter interface {
	FullPage(ctx context.Context, pageURL string, width int) ([]byte, error)
}

// Exporter turns a report snapshot into publishable documents. Generated
// text is untrusted: captions keep simple formatting, everything else is
// plain text.
type Exporter struct {
	ws     *render.Workspace
	snap   Snapshotter
	width  int
	ugc    *bluemonday.Policy
	strict *bluemonday.Policy
}

func NewExporter(ws *render.Workspace, snap Snapshotter) *Exporter {
	return &Exporter{
		ws:     ws,
		snap:   snap,
		width:  1280,
		ugc:    bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
	}
}

// Files are the workspace-relative names written by Write.
type Files struct {
	HTML     string
	Markdown string
	Snapshot string
}

type pageData struct {
	Title     string
	Narrative template.HTML
	Chapters  []chapterData
}

type chapterData struct {
	Title      string
	Summary    template.HTML
	Visuals    []visualData
	Transition template.HTML
}

type visualData struct {
	Images  []imageData
	Caption template.HTML
	Grouped bool
}

type imageData struct {
	Src string
	Alt string
}

var pageTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{font-family:Georgia,serif;max-width:960px;margin:2rem auto;color:#222;line-height:1.5}
figure{margin:1.5rem 0}figure img{max-width:100%}
.group{display:flex;gap:1rem;flex-wrap:wrap}.group img{flex:1 1 45%;max-width:48%}
figcaption{font-size:.95rem;color:#444}
</style>
</head>
<body>
<article>
<h1>{{.Title}}</h1>
{{if .Narrative}}<p class="narrative">{{.Narrative}}</p>{{end}}
{{range .Chapters}}<section>
<h2>{{.Title}}</h2>
{{if .Summary}}<p>{{.Summary}}</p>{{end}}
{{range .Visuals}}<figure{{if .Grouped}} class="group-figure"{{end}}>
<div{{if .Grouped}} class="group"{{end}}>{{range .Images}}<img src="{{.Src}}" alt="{{.Alt}}">{{end}}</div>
{{if .Caption}}<figcaption>{{.Caption}}</figcaption>{{end}}
</figure>
{{end}}{{if .Transition}}<p class="transition">{{.Transition}}</p>{{end}}
</section>
{{end}}</article>
</body>
</html>
`))

// HTML renders the report as a standalone page. Image sources are the
// workspace-relative artifact names, so the page belongs in the workspace
// root.
func (e *Exporter) HTML(r *report.Report) ([]byte, error) {
	data := pageData{
		Title:     e.plain(r.EffectiveQuery()),
		Narrative: e.rich(r.NarrativeStrategy),
	}
	for _, ch := range r.Chapters {
		cd := chapterData{
			Title:      e.plain(ch.Title),
			Summary:    e.rich(ch.Summary),
			Transition: e.rich(ch.Transition),
		}
		for _, v := range ch.Visuals {
			switch {
			case v.Chart != nil:
				if v.Chart.Failed || v.Chart.Artifact == "" {
					continue
				}
				cd.Visuals = append(cd.Visuals, visualData{
					Images:  []imageData{e.image(*v.Chart)},
					Caption: e.rich(v.Chart.Caption),
				})
			case v.Group != nil:
				vd := visualData{Caption: e.rich(v.Group.Caption), Grouped: true}
				for _, c := range v.Group.Charts {
					if !c.Failed && c.Artifact != "" {
						vd.Images = append(vd.Images, e.image(c))
					}
				}
				if len(vd.Images) > 0 {
					cd.Visuals = append(cd.Visuals, vd)
				}
			}
		}
		data.Chapters = append(data.Chapters, cd)
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render report page: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Exporter) image(c report.Chart) imageData {
	alt := c.Caption
	if alt == "" {
		alt = c.ChartType
	}
	return imageData{Src: c.Artifact, Alt: e.plain(alt)}
}

func (e *Exporter) rich(s string) template.HTML {
	return template.HTML(e.ugc.Sanitize(s))
}

func (e *Exporter) plain(s string) string {
	return strings.TrimSpace(html.UnescapeString(e.strict.Sanitize(s)))
}

// Markdown renders the report as Markdown with the same content as HTML.
func (e *Exporter) Markdown(r *report.Report) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", e.plain(r.EffectiveQuery()))
	if s := e.plain(r.NarrativeStrategy); s != "" {
		fmt.Fprintf(&b, "_%s_\n\n", s)
	}
	for _, ch := range r.Chapters {
		fmt.Fprintf(&b, "## %s\n\n", e.plain(ch.Title))
		if s := e.plain(ch.Summary); s != "" {
			fmt.Fprintf(&b, "%s\n\n", s)
		}
		for _, v := range ch.Visuals {
			switch {
			case v.Chart != nil:
				if v.Chart.Failed || v.Chart.Artifact == "" {
					continue
				}
				writeChart(&b, e.image(*v.Chart))
				if s := e.plain(v.Chart.Caption); s != "" {
					fmt.Fprintf(&b, "%s\n\n", s)
				}
			case v.Group != nil:
				n := 0
				for _, c := range v.Group.Charts {
					if !c.Failed && c.Artifact != "" {
						writeChart(&b, e.image(c))
						n++
					}
				}
				if s := e.plain(v.Group.Caption); s != "" && n > 0 {
					fmt.Fprintf(&b, "%s\n\n", s)
				}
			}
		}
		if s := e.plain(ch.Transition); s != "" {
			fmt.Fprintf(&b, "%s\n\n", s)
		}
	}
	return []byte(b.String())
}

func writeChart(b *strings.Builder, img imageData) {
	fmt.Fprintf(b, "![%s](%s)\n\n", strings.ReplaceAll(img.Alt, "]", ""), img.Src)
}

// Write stores the HTML and Markdown renditions under name in the workspace
// root, plus a PNG of the page when a browser is configured.
func (e *Exporter) Write(ctx context.Context, r *report.Report, name string) (Files, error) {
	page, err := e.HTML(r)
	if err != nil {
		return Files{}, err
	}
	files := Files{HTML: name + ".html", Markdown: name + ".md"}
	pagePath, err := e.ws.WriteFile(files.HTML, page)
	if err != nil {
		return Files{}, err
	}
	if _, err := e.ws.WriteFile(files.Markdown, e.Markdown(r)); err != nil {
		return Files{}, err
	}
	if e.snap == nil {
		return files, nil
	}

	shot, err := e.snap.FullPage(ctx, render.FileURL(pagePath), e.width)
	if err != nil {
		return files, fmt.Errorf("snapshot: %w", err)
	}
	files.Snapshot = name + ".png"
	if _, err := e.ws.WriteFile(files.Snapshot, shot); err != nil {
		return files, err
	}
	return files, nil
}

// Snapshot exports r to a scratch page and captures it as one PNG. The page
// sits next to the chart images so relative links resolve, and is removed
// once captured.
func (e *Exporter) Snapshot(ctx context.Context, r *report.Report) ([]byte, error) {
	if e.snap == nil {
		return nil, fmt.Errorf("snapshot: no browser configured")
	}
	page, err := e.HTML(r)
	if err != nil {
		return nil, err
	}
	path, err := e.ws.WriteFile(e.ws.NewName("", ".html"), page)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)
	shot, err := e.snap.FullPage(ctx, render.FileURL(path), e.width)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return shot, nil
}

// ReadableText extracts the article text of an exported page. It falls back
// to the page stripped of markup when no article can be found.
func ReadableText(page []byte, pageURL string) (string, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %v", err)
	}
	article, err := readability.FromReader(bytes.NewReader(page), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		text := article.TextContent
		if article.Title != "" && !strings.Contains(text, article.Title) {
			text = article.Title + "\n\n" + text
		}
		return strings.TrimSpace(text), nil
	}
	text := strings.TrimSpace(html.UnescapeString(bluemonday.StrictPolicy().Sanitize(string(page))))
	if text == "" {
		return "", fmt.Errorf("no readable text")
	}
	return text, nil
}
