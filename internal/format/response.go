package format

import "strings"

// Target selects how bold/italic markup is rendered.
type Target string

const (
	// TargetHTML keeps <b>/<i>/<a> for platforms that parse HTML (Telegram).
	TargetHTML Target = "html"
	// TargetPlain strips all markup.
	TargetPlain Target = "plain"
	// TargetMarkdown uses lightweight *bold* and _italic_ markers (Threema style).
	TargetMarkdown Target = "markdown"
	// TargetUnicode rewrites styled spans into Unicode homoglyphs (Signal style).
	TargetUnicode Target = "unicode"
)

// Choice is an interactive option attached to a response.
// Platforms without buttons render AltText instead.
type Choice struct {
	Label   string
	Data    string
	AltText string
	AltHelp string
}

// Response is a platform-agnostic message payload.
// Treat it as immutable once handed to the dispatcher.
type Response struct {
	Message string
	Images  []string
	Choices []Choice
	Format  Target
}

// FallbackText renders the message with its choices as bullet lines,
// for platforms that cannot show buttons.
func (r Response) FallbackText() string {
	if len(r.Choices) == 0 {
		return r.Message
	}
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString("\n\n")
	for _, c := range r.Choices {
		b.WriteString("• ")
		b.WriteString(c.AltText)
		b.WriteString("\n")
	}
	if help := r.Choices[0].AltHelp; help != "" {
		b.WriteString("\n")
		b.WriteString(help)
	}
	return b.String()
}
