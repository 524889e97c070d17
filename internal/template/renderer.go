// Package template renders placeholder tokens in campaign and sequence
// content using the Liquid template language. The core's only contract with
// callers is that rendered bodies end up with an unsubscribe footer.
package template

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Bindings holds the per-recipient values substituted into content.
// Tokens: {{firstName}}, {{lastName}}, {{fullName}}, {{email}},
// {{unsubscribeLink}}.
type Bindings struct {
	FirstName string
	LastName  string
	Email     string
}

// Renderer renders subject and body templates with per-template caching.
// Parsed templates are cached by key so a campaign pass compiles each
// subject and body once, not once per recipient.
type Renderer struct {
	engine             *liquid.Engine
	unsubscribeBaseURL string
	cache              sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer. unsubscribeBaseURL is the opt-out page
// the footer links to; the recipient's address is appended as a query param.
func NewRenderer(unsubscribeBaseURL string) *Renderer {
	return &Renderer{
		engine:             liquid.NewEngine(),
		unsubscribeBaseURL: strings.TrimRight(unsubscribeBaseURL, "/"),
	}
}

// UnsubscribeLink returns the opt-out URL for a recipient.
func (r *Renderer) UnsubscribeLink(email string) string {
	return fmt.Sprintf("%s/unsubscribe?email=%s", r.unsubscribeBaseURL, url.QueryEscape(email))
}

// Render renders one template source against the bindings. Missing
// variables render as empty strings; production sends never fail on an
// unknown token.
func (r *Renderer) Render(cacheKey, source string, b Bindings) (string, error) {
	tpl, err := r.parse(cacheKey, source)
	if err != nil {
		return "", err
	}

	first := b.FirstName
	if first == "" {
		first = "Friend"
	}
	fullName := strings.TrimSpace(first + " " + b.LastName)

	out, err := tpl.RenderString(map[string]any{
		"firstName":       first,
		"lastName":        b.LastName,
		"fullName":        fullName,
		"email":           b.Email,
		"unsubscribeLink": r.UnsubscribeLink(b.Email),
	})
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", cacheKey, err)
	}

	// Literal greetings in hand-authored content get personalized too.
	out = strings.ReplaceAll(out, "Dear Friend,", fmt.Sprintf("Dear %s,", first))
	out = strings.ReplaceAll(out, "Hello,", fmt.Sprintf("Hello %s,", first))
	return out, nil
}

func (r *Renderer) parse(cacheKey, source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(cacheKey); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", cacheKey, err)
	}
	r.cache.Store(cacheKey, tpl)
	return tpl, nil
}

var bodyCloseRe = regexp.MustCompile(`(?i)</body>`)

// EnsureUnsubscribeFooter appends an opt-out footer before </body> when the
// body does not already mention one. Bodies without a closing tag get the
// footer appended at the end, so every sent document carries a way out.
func EnsureUnsubscribeFooter(html, link string) string {
	if strings.Contains(strings.ToLower(html), "unsubscribe") {
		return html
	}

	footer := fmt.Sprintf(`
<div style="background-color: #2c5530; color: white; padding: 20px; text-align: center; font-size: 12px; margin-top: 20px;">
  <div style="border-top: 1px solid rgba(255,255,255,0.3); padding-top: 15px;">
    <p style="margin: 0; color: #b8e6b8; font-size: 11px;">
      If you no longer wish to receive these emails, you can
      <a href="%s" style="color: #b8e6b8; text-decoration: underline;">unsubscribe here</a>
    </p>
  </div>
</div>
`, link)

	if loc := bodyCloseRe.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + footer + html[loc[0]:]
	}
	return html + footer
}
