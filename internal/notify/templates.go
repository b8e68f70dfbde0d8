package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

type codeEmailData struct {
	ProductName      string
	ProjectName      string
	PurchasedDate    string
	Code             string
	ExpiresInMinutes int
}

var codeEmailTmpl = template.Must(template.New("activationCode").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; color: #1a1a2e; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 4px;">Your {{.ProductName}} license</h2>
  <p style="color: #666; margin-top: 0;">Purchased {{.PurchasedDate}} &middot; {{.ProjectName}}</p>
  <p>Use this activation code to activate a device:</p>
  <div style="background: #f4f4f8; border-radius: 8px; padding: 20px; text-align: center; font-family: 'SF Mono', Menlo, monospace; font-size: 22px; letter-spacing: 2px;">{{.Code}}</div>
  <p style="color: #666; font-size: 14px;">This code expires in {{.ExpiresInMinutes}} minutes and can be used once. You can request a new code with your email address at any time.</p>
  <p style="color: #999; font-size: 13px;">If you didn't request this, you can safely ignore this email.</p>
</body>
</html>`))

func renderCodeEmail(d codeEmailData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := codeEmailTmpl.Execute(&buf, d); err != nil {
		return "", "", err
	}
	text = fmt.Sprintf(`Your %s license (%s)

Purchased: %s

Use this activation code to activate a device:

    %s

This code expires in %d minutes and can be used once. You can request a
new code with your email address at any time.

If you didn't request this, you can safely ignore this email.`,
		d.ProductName, d.ProjectName, d.PurchasedDate, d.Code, d.ExpiresInMinutes)
	return buf.String(), text, nil
}

type codeEmailEntry struct {
	ProductName   string
	PurchasedDate string
	Code          string
}

type multiCodeEmailData struct {
	ProjectName      string
	Licenses         []codeEmailEntry
	ExpiresInMinutes int
}

var multiCodeEmailTmpl = template.Must(template.New("activationCodes").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; color: #1a1a2e; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 4px;">Your {{.ProjectName}} licenses</h2>
  <p>Here is an activation code for each of your licenses. Each code activates one device for its product:</p>
  {{range .Licenses}}
  <div style="margin: 16px 0;">
    <p style="margin-bottom: 4px;"><strong>{{.ProductName}}</strong> <span style="color: #666;">&middot; purchased {{.PurchasedDate}}</span></p>
    <div style="background: #f4f4f8; border-radius: 8px; padding: 16px; text-align: center; font-family: 'SF Mono', Menlo, monospace; font-size: 20px; letter-spacing: 2px;">{{.Code}}</div>
  </div>
  {{end}}
  <p style="color: #666; font-size: 14px;">These codes expire in {{.ExpiresInMinutes}} minutes and can each be used once. You can request new codes with your email address at any time.</p>
  <p style="color: #999; font-size: 13px;">If you didn't request this, you can safely ignore this email.</p>
</body>
</html>`))

func renderMultiCodeEmail(d multiCodeEmailData) (html, text string, err error) {
	var buf bytes.Buffer
	if err := multiCodeEmailTmpl.Execute(&buf, d); err != nil {
		return "", "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your %s licenses\n\n", d.ProjectName)
	b.WriteString("Here is an activation code for each of your licenses. Each code\nactivates one device for its product:\n")
	for _, l := range d.Licenses {
		fmt.Fprintf(&b, "\n%s (purchased %s)\n\n    %s\n", l.ProductName, l.PurchasedDate, l.Code)
	}
	fmt.Fprintf(&b, "\nThese codes expire in %d minutes and can each be used once. You can\nrequest new codes with your email address at any time.\n\nIf you didn't request this, you can safely ignore this email.", d.ExpiresInMinutes)
	return buf.String(), b.String(), nil
}

// formatDate renders purchase dates the way receipts show them.
func formatDate(t time.Time) string {
	return t.UTC().Format("Jan 02, 2006")
}
