package services

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/owencairns/ad-generator-sub000/internal/domain"
)

// templateGuidance holds the layout brief for each ad template kind.
var templateGuidance = map[string]string{
	"product":   "Clean product showcase: the product is the hero, centered, on a simple backdrop with soft studio lighting.",
	"lifestyle": "Lifestyle scene: show the product in use by its target audience in a natural, aspirational setting.",
	"sale":      "Promotional sale ad: bold composition with clear space reserved for the offer text.",
	"social":    "Scroll-stopping social media post: vivid colors, strong focal point, minimal clutter.",
	"banner":    "Wide web banner: product on one side, generous negative space on the other for copy.",
}

// promptParts is everything a prompt is built from. Edits overlay their
// optional fields on top of the stored record.
type promptParts struct {
	Template           string
	Style              string
	AspectRatio        string
	Description        string
	ProductDescription string
	TextInfo           *domain.TextOverlay
	ProductImages      int
	InspirationImages  int
}

func partsFromRecord(rec *domain.GenerationRecord) promptParts {
	return promptParts{
		Template:           rec.Template,
		Style:              rec.Style,
		AspectRatio:        rec.AspectRatio,
		Description:        rec.Description,
		ProductDescription: rec.ProductDescription,
		TextInfo:           rec.TextInfo,
		ProductImages:      len(rec.ProductImageURLs),
		InspirationImages:  len(rec.InspirationImageURLs),
	}
}

// withEdit applies the edit request's optional overrides.
func (p promptParts) withEdit(req EditRequest) promptParts {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&p.Template, req.Template)
	set(&p.Style, req.Style)
	set(&p.AspectRatio, req.AspectRatio)
	set(&p.Description, req.Description)
	set(&p.ProductDescription, req.ProductDescription)
	if !req.TextInfo.Empty() {
		p.TextInfo = req.TextInfo
	}
	return p
}

func styleLabel(style string) string {
	style = strings.ReplaceAll(strings.TrimSpace(style), "-", " ")
	if style == "" {
		return ""
	}
	return cases.Title(language.English).String(style)
}

func (p promptParts) common(b *strings.Builder) {
	if g, ok := templateGuidance[strings.ToLower(strings.TrimSpace(p.Template))]; ok {
		b.WriteString(g)
		b.WriteString("\n")
	}
	if s := styleLabel(p.Style); s != "" {
		fmt.Fprintf(b, "Visual style: %s.\n", s)
	}
	if ar := strings.TrimSpace(p.AspectRatio); ar != "" {
		fmt.Fprintf(b, "Aspect ratio: %s. Compose for this frame.\n", ar)
	}
	if !p.TextInfo.Empty() {
		b.WriteString("Render this text on the ad, spelled exactly, legible and well kerned:\n")
		if h := strings.TrimSpace(p.TextInfo.Headline); h != "" {
			fmt.Fprintf(b, "- Headline: %q\n", h)
		}
		if s := strings.TrimSpace(p.TextInfo.Subheadline); s != "" {
			fmt.Fprintf(b, "- Subheadline: %q\n", s)
		}
		if c := strings.TrimSpace(p.TextInfo.CallToAction); c != "" {
			fmt.Fprintf(b, "- Call to action: %q\n", c)
		}
		if pos := strings.TrimSpace(p.TextInfo.Position); pos != "" {
			fmt.Fprintf(b, "Place the text at the %s of the image.\n", pos)
		}
	} else {
		b.WriteString("Do not add any text, logos or watermarks that are not on the product itself.\n")
	}
}

// createPrompt builds the prompt for a record's first image.
func (p promptParts) createPrompt() string {
	var b strings.Builder
	b.WriteString("Create a high-quality advertising image.\n")
	if d := strings.TrimSpace(p.ProductDescription); d != "" {
		fmt.Fprintf(&b, "Product: %s\n", d)
	}
	if d := strings.TrimSpace(p.Description); d != "" {
		fmt.Fprintf(&b, "Ad concept: %s\n", d)
	}
	if p.ProductImages > 0 {
		fmt.Fprintf(&b, "The first %d attached image(s) show the product. Keep its shape, colors and branding faithful.\n", p.ProductImages)
	}
	if p.InspirationImages > 0 {
		fmt.Fprintf(&b, "The last %d attached image(s) are mood references. Borrow their look, not their content.\n", p.InspirationImages)
	}
	p.common(&b)
	return strings.TrimSpace(b.String())
}

// editPrompt builds the prompt for an edit of an existing image.
func (p promptParts) editPrompt(editDescription string) string {
	var b strings.Builder
	b.WriteString("Edit the first attached advertising image.\n")
	fmt.Fprintf(&b, "Requested change: %s\n", strings.TrimSpace(editDescription))
	b.WriteString("Keep everything that the change does not mention as it is.\n")
	if d := strings.TrimSpace(p.ProductDescription); d != "" {
		fmt.Fprintf(&b, "Product: %s\n", d)
	}
	if d := strings.TrimSpace(p.Description); d != "" {
		fmt.Fprintf(&b, "Ad concept: %s\n", d)
	}
	if p.ProductImages > 0 {
		b.WriteString("The remaining attached images show the product for reference.\n")
	}
	p.common(&b)
	return strings.TrimSpace(b.String())
}
