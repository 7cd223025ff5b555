package invoice

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/noah-isme/paycore/internal/payment"
	"github.com/noah-isme/paycore/internal/pricing"
)

//go:embed templates/*.html
var templateFS embed.FS

// HTMLRenderer renders invoices with html/template and, when Dir is set,
// writes them to Dir/<invoice number>.html.
type HTMLRenderer struct {
	Dir     string
	BaseURL string
	tmpl    *template.Template
}

// NewHTMLRenderer parses the embedded invoice template.
func NewHTMLRenderer(dir, baseURL string) (*HTMLRenderer, error) {
	tmpl, err := template.New("invoice.html").Funcs(template.FuncMap{
		"money": func(amount pricing.Money) string { return "" },
	}).ParseFS(templateFS, "templates/invoice.html")
	if err != nil {
		return nil, fmt.Errorf("invoice: parse template: %w", err)
	}
	return &HTMLRenderer{Dir: dir, BaseURL: baseURL, tmpl: tmpl}, nil
}

// Render implements Renderer.
func (r *HTMLRenderer) Render(_ context.Context, doc Document) (string, string, error) {
	tmpl, err := r.tmpl.Clone()
	if err != nil {
		return "", "", err
	}
	tmpl.Funcs(template.FuncMap{
		"money": func(amount pricing.Money) string { return payment.FormatAmount(amount, doc.Currency) },
	})
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "invoice.html", doc); err != nil {
		return "", "", err
	}
	if r.Dir == "" {
		return "", buf.String(), nil
	}
	name := doc.InvoiceNumber + ".html"
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(r.Dir, name), buf.Bytes(), 0o644); err != nil {
		return "", "", err
	}
	if r.BaseURL != "" {
		return r.BaseURL + "/" + name, buf.String(), nil
	}
	return filepath.Join(r.Dir, name), buf.String(), nil
}
