// Package render defines the content renderer contract the runtime consumes:
// a structural UI description plus a target anchor become a displayed
// subtree. The runtime never depends on how rendering is implemented, only on
// this contract and on the sanitization guarantee: executable script content
// is stripped before insertion, because resolved remote data is rendered
// without further vetting.
package render

import (
	"context"
	"fmt"
	"html"
	"io"
	"sort"
	"strings"

	"github.com/mosaicrt/mosaic/internal/descriptor"
)

// Spec is a structural description of a subtree: tag, attributes, text, and
// child specs. It is plain data; renderers interpret it.
type Spec struct {
	Tag      string            `json:"tag" yaml:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
	Text     string            `json:"text,omitempty" yaml:"text,omitempty"`
	Children []Spec            `json:"children,omitempty" yaml:"children,omitempty"`
}

// Handle identifies a rendered subtree so later renders can replace it.
type Handle struct {
	Target any
	Spec   Spec
}

// OpaqueValue marks handles as atomic for tree resolution: a presentation
// anchor's internals are never walked.
func (Handle) OpaqueValue() {}

var _ descriptor.Opaque = Handle{}

// Renderer converts a spec plus a root anchor into a displayed subtree.
//
// Implementations must sanitize the spec before insertion; Sanitize provides
// the shared stripping rules.
type Renderer interface {
	Render(ctx context.Context, spec Spec, target any) (Handle, error)
}

// Sanitize strips executable content from a spec: script and style-injection
// tags, on* event attributes, and javascript: URLs. It returns a new spec and
// never mutates its input.
func Sanitize(spec Spec) Spec {
	out := Spec{Tag: spec.Tag, Text: spec.Text}
	if blockedTag(spec.Tag) {
		// The whole subtree is dropped; an empty tag renders nothing.
		return Spec{}
	}
	if len(spec.Attrs) > 0 {
		out.Attrs = make(map[string]string, len(spec.Attrs))
		for k, v := range spec.Attrs {
			key := strings.ToLower(k)
			if strings.HasPrefix(key, "on") {
				continue
			}
			if (key == "href" || key == "src") &&
				strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), "javascript:") {
				continue
			}
			out.Attrs[k] = v
		}
	}
	for _, child := range spec.Children {
		clean := Sanitize(child)
		if clean.Tag == "" && clean.Text == "" && len(clean.Children) == 0 {
			continue
		}
		out.Children = append(out.Children, clean)
	}
	return out
}

func blockedTag(tag string) bool {
	switch strings.ToLower(tag) {
	case "script", "iframe", "object", "embed":
		return true
	}
	return false
}

// HTML renders sanitized specs as escaped markup to an io.Writer. It is the
// reference collaborator used by tests and the CLI; it is not a DOM.
type HTML struct {
	W io.Writer
}

// Render writes the sanitized spec as HTML. The target, when it is a string,
// is emitted as an id attribute on the root element.
func (r *HTML) Render(_ context.Context, spec Spec, target any) (Handle, error) {
	clean := Sanitize(spec)
	if err := writeHTML(r.W, clean, target); err != nil {
		return Handle{}, err
	}
	return Handle{Target: target, Spec: clean}, nil
}

func writeHTML(w io.Writer, spec Spec, target any) error {
	if spec.Tag == "" {
		if spec.Text != "" {
			_, err := io.WriteString(w, html.EscapeString(spec.Text))
			return err
		}
		return nil
	}
	if _, err := fmt.Fprintf(w, "<%s", spec.Tag); err != nil {
		return err
	}
	if id, ok := target.(string); ok && id != "" {
		if _, err := fmt.Fprintf(w, " id=%q", id); err != nil {
			return err
		}
	}
	for _, k := range sortedAttrKeys(spec.Attrs) {
		if _, err := fmt.Fprintf(w, " %s=%q", k, html.EscapeString(spec.Attrs[k])); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, ">"); err != nil {
		return err
	}
	if spec.Text != "" {
		if _, err := io.WriteString(w, html.EscapeString(spec.Text)); err != nil {
			return err
		}
	}
	for _, child := range spec.Children {
		if err := writeHTML(w, child, nil); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "</%s>", spec.Tag)
	return err
}

func sortedAttrKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
