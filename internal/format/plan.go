package format

import "unicode/utf8"

// Telegram defaults.
const (
	DefaultMaxMessageBytes = 4096
	DefaultCaptionChars    = 1024
)

// PlatformLimits describes the size constraints of one messaging platform.
type PlatformLimits struct {
	MaxMessageBytes int
	CaptionChars    int
	// Target is used when a Response carries no format hint.
	Target Target
}

func (l PlatformLimits) withDefaults() PlatformLimits {
	if l.MaxMessageBytes <= 0 {
		l.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if l.CaptionChars <= 0 {
		l.CaptionChars = DefaultCaptionChars
	}
	if l.Target == "" {
		l.Target = TargetHTML
	}
	return l
}

type PartKind int

const (
	PartText PartKind = iota
	// PartPhoto is a single image with an optional caption (Text).
	PartPhoto
	// PartMediaGroup is an album of images without text.
	PartMediaGroup
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartPhoto:
		return "photo"
	case PartMediaGroup:
		return "media_group"
	default:
		return "unknown"
	}
}

// Part is one transport call worth of content.
type Part struct {
	Kind    PartKind
	Text    string
	Images  []string
	Choices []Choice
	Target  Target
}

// Plan turns a response into the ordered transport calls needed to deliver it.
//
// One image without choices is sent as a photo with the text as caption when
// the text fits the caption limit. Several images, or images together with
// choices, go out as a media group followed by the text. Choices are attached
// to the last text part only.
func Plan(r Response, lim PlatformLimits) ([]Part, error) {
	lim = lim.withDefaults()
	target := r.Format
	if target == "" {
		target = lim.Target
	}
	text := Adapt(r.Message, target)

	var parts []Part
	switch {
	case len(r.Images) == 1 && len(r.Choices) == 0:
		if utf8.RuneCountInString(text) <= lim.CaptionChars {
			return []Part{{Kind: PartPhoto, Text: text, Images: r.Images[:1:1], Target: target}}, nil
		}
		parts = append(parts, Part{Kind: PartPhoto, Images: r.Images[:1:1], Target: target})
	case len(r.Images) > 0:
		imgs := append([]string(nil), r.Images...)
		parts = append(parts, Part{Kind: PartMediaGroup, Images: imgs, Target: target})
	}

	chunks, err := Split(text, Limits{MaxBytes: lim.MaxMessageBytes})
	if err != nil {
		return nil, err
	}
	for i, c := range chunks {
		p := Part{Kind: PartText, Text: c, Target: target}
		if i == len(chunks)-1 && len(r.Choices) > 0 {
			p.Choices = append([]Choice(nil), r.Choices...)
		}
		parts = append(parts, p)
	}
	return parts, nil
}
