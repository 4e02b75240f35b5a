// Package templates compiles template files into named, renderable templates
// and groups them into layered collections.
package templates

import (
	"path"
	"strings"

	"github.com/osteele/liquid"

	"github.com/EugeneOSullivan/FHIR-Converter/internal/errors"
	"github.com/EugeneOSullivan/FHIR-Converter/layers"
)

// Extension marks template files. Matching is case-insensitive.
const Extension = ".liquid"

// Template is a compiled template and the source it came from.
type Template struct {
	Name   string
	Source []byte
	tpl    *liquid.Template
}

// Render executes the template against bindings.
func (t *Template) Render(bindings map[string]interface{}) (string, error) {
	out, err := t.tpl.RenderString(bindings)
	if err != nil {
		return "", errors.NewErrorBuilder().
			Category(errors.ErrorCategoryTemplateParse).
			Operation("render_template").
			Messagef("failed to render template %q", t.Name).
			Cause(err).
			Build()
	}
	return out, nil
}

// IsTemplate reports whether p names a template file.
func IsTemplate(p string) bool {
	return strings.EqualFold(path.Ext(p), Extension)
}

// Name derives a collection key from an object path: the storage prefix and
// any leading slash are stripped and the extension removed, so
// "templates/Hl7v2/ADT_A01.liquid" with prefix "templates" becomes
// "Hl7v2/ADT_A01".
func Name(p, prefix string) string {
	name := strings.ReplaceAll(p, "\\", "/")
	name = strings.TrimLeft(name, "/")
	if folder := strings.Trim(prefix, "/"); folder != "" {
		name = strings.TrimPrefix(name, folder+"/")
	}
	if IsTemplate(name) {
		name = name[:len(name)-len(Extension)]
	}
	return name
}

// Parser compiles template sources. It is safe for concurrent use.
type Parser struct {
	engine *liquid.Engine
}

// NewParser creates a parser with the standard tags and filters.
func NewParser() *Parser {
	return &Parser{engine: liquid.NewEngine()}
}

// Parse compiles src into a template called name.
func (p *Parser) Parse(name string, src []byte) (*Template, error) {
	tpl, err := p.engine.ParseTemplate(src)
	if err != nil {
		return nil, errors.NewTemplateParseError(name, err)
	}
	return &Template{Name: name, Source: src, tpl: tpl}, nil
}

// FromLayer compiles every template file of a layer, keyed by Name(path,
// prefix). Other files are ignored.
func (p *Parser) FromLayer(layer *layers.OciFileLayer, prefix string) (map[string]*Template, error) {
	result := make(map[string]*Template)
	for filePath, content := range layer.FileContent {
		if !IsTemplate(filePath) {
			continue
		}
		name := Name(filePath, prefix)
		tpl, err := p.Parse(name, content)
		if err != nil {
			return nil, err
		}
		result[name] = tpl
	}
	return result, nil
}

// FromLayers compiles each layer, keeping layer order.
func (p *Parser) FromLayers(fileLayers []*layers.OciFileLayer) (Collection, error) {
	collection := make(Collection, 0, len(fileLayers))
	for _, layer := range fileLayers {
		dict, err := p.FromLayer(layer, "")
		if err != nil {
			return nil, err
		}
		collection = append(collection, dict)
	}
	return collection, nil
}
