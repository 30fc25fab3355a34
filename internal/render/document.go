// Package render turns an invoice snapshot into the stored HTML document.
package render

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/kylejryan/insurance-invoice-pipeline/internal/models"
)

// ContentType of rendered documents.
const ContentType = "text/html; charset=utf-8"

var invoiceTmpl = template.Must(template.New("invoice").Funcs(template.FuncMap{
	"date": func(t time.Time) string { return t.UTC().Format("2006-01-02") },
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Invoice {{.ID}}</title></head>
<body>
<h1>Invoice {{.ID}}</h1>
<p>Policy: {{.PolicyID}}</p>
<p>Billing period: {{date .PeriodStart}} to {{date .PeriodEnd}}</p>
<table>
<tr><th>Coverage</th><th>Premium</th></tr>
{{- range .Lines}}
<tr><td>{{.CoverageName}}</td><td>{{.Amount.StringFixedBank 2}}</td></tr>
{{- end}}
<tr><td><strong>Total ({{.Currency}})</strong></td><td><strong>{{.TotalAmount.StringFixedBank 2}}</strong></td></tr>
</table>
</body>
</html>
`))

// Invoice renders the document. Only immutable snapshot fields are used, so
// rendering the same pending invoice twice yields identical bytes.
func Invoice(inv models.Invoice) ([]byte, error) {
	var buf bytes.Buffer
	if err := invoiceTmpl.Execute(&buf, inv); err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", inv.ID, err)
	}
	return buf.Bytes(), nil
}
