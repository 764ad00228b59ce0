package delivery

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"enforcer/internal/enforcement"
)

// Composer renders the notice text for an item. Notice generation is owned by
// an external collaborator; TemplateComposer is the built-in fallback.
type Composer interface {
	Compose(ctx context.Context, inf *enforcement.Infringement, target enforcement.Target) (Notice, error)
}

const defaultNoticeTemplate = `To {{.Target.Name}},

This is a notice of copyright infringement under 17 U.S.C. 512(c)(3).

The following material infringes copyrighted work owned by the rights holder we represent:

  Infringing URL: {{.Infringement.SourceURL}}
{{- if .Infringement.Platform}}
  Platform: {{.Infringement.Platform}}
{{- end}}
  First observed: {{.FirstSeen}}

We have a good faith belief that use of the material in the manner complained of is not
authorized by the copyright owner, its agent, or the law. The information in this notice is
accurate, and under penalty of perjury, we are authorized to act on behalf of the owner.

Please remove or disable access to the material.

{{.Signature}}
`

// TemplateComposer renders a fixed DMCA notice template.
type TemplateComposer struct {
	tmpl      *template.Template
	signature string
}

// NewTemplateComposer parses the default notice template.
func NewTemplateComposer(signature string) *TemplateComposer {
	if strings.TrimSpace(signature) == "" {
		signature = "Copyright Enforcement"
	}
	return &TemplateComposer{
		tmpl:      template.Must(template.New("notice").Parse(defaultNoticeTemplate)),
		signature: signature,
	}
}

// Compose implements Composer.
func (c *TemplateComposer) Compose(_ context.Context, inf *enforcement.Infringement, target enforcement.Target) (Notice, error) {
	if inf == nil {
		return Notice{}, fmt.Errorf("compose notice: missing infringement")
	}
	var body strings.Builder
	err := c.tmpl.Execute(&body, struct {
		Target       enforcement.Target
		Infringement *enforcement.Infringement
		FirstSeen    string
		Signature    string
	}{
		Target:       target,
		Infringement: inf,
		FirstSeen:    inf.FirstSeenAt.UTC().Format("2006-01-02"),
		Signature:    c.signature,
	})
	if err != nil {
		return Notice{}, fmt.Errorf("render notice: %w", err)
	}
	subject := "DMCA takedown notice"
	if inf.Domain != "" {
		subject += ": " + inf.Domain
	}
	return Notice{Subject: subject, Body: body.String()}, nil
}
