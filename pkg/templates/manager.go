package templates

import (
	"bytes"
	"fmt"
	"io/fs"
	"math/big"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/pkg/logger"
)

// Renderer renders named templates (dependency-injection seam for brains).
type Renderer interface {
	ExecuteTemplate(name string, data any) (string, error)
	TemplateExists(name string) bool
}

// Manager holds a parsed template set.
type Manager struct {
	templates *template.Template
}

// DefaultFuncMap returns the helpers prompt templates rely on.
func DefaultFuncMap() template.FuncMap {
	return template.FuncMap{
		"float": func(val interface{}) float64 {
			switch v := val.(type) {
			case float64:
				return v
			case float32:
				return float64(v)
			case int:
				return float64(v)
			case int64:
				return float64(v)
			default:
				if dec, ok := val.(interface{ InexactFloat64() float64 }); ok {
					return dec.InexactFloat64()
				}
				return 0
			}
		},
		// formatUnits renders a raw integer token amount with the given
		// number of decimals: formatUnits 1500000000000000000 18 → "1.5".
		"formatUnits": func(amount *big.Int, decimals uint8) string {
			if amount == nil {
				return "0"
			}
			value := new(big.Rat).SetFrac(amount, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
			out := value.FloatString(6)
			// trim trailing zeros but keep at least one digit after the point
			for len(out) > 0 && out[len(out)-1] == '0' {
				out = out[:len(out)-1]
			}
			if len(out) > 0 && out[len(out)-1] == '.' {
				out = out[:len(out)-1]
			}
			return out
		},
		"shortAddr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "…" + addr[len(addr)-4:]
		},
		"add":    func(a, b int) int { return a + b },
		"printf": fmt.Sprintf,
	}
}

// NewManager loads every *.tmpl under dir (up to two levels deep).
func NewManager(dir string) (*Manager, error) {
	tmpl := template.New("root").Funcs(DefaultFuncMap())

	for _, pattern := range []string{
		filepath.Join(dir, "*.tmpl"),
		filepath.Join(dir, "*", "*.tmpl"),
	} {
		if result, err := tmpl.ParseGlob(pattern); err == nil && result != nil {
			tmpl = result
		}
	}

	if len(tmpl.Templates()) <= 1 {
		return nil, fmt.Errorf("no templates found in %s", dir)
	}

	logger.Info("templates loaded",
		zap.Int("count", len(tmpl.Templates())-1),
		zap.String("directory", dir),
	)

	return &Manager{templates: tmpl}, nil
}

// NewFromFS loads every *.tmpl from an embedded filesystem. Used by the LLM
// brain so prompts ship inside the binary.
func NewFromFS(fsys fs.FS, patterns ...string) (*Manager, error) {
	if len(patterns) == 0 {
		patterns = []string{"*.tmpl"}
	}

	tmpl, err := template.New("root").Funcs(DefaultFuncMap()).ParseFS(fsys, patterns...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded templates: %w", err)
	}

	return &Manager{templates: tmpl}, nil
}

// ExecuteTemplate renders a template by name.
func (m *Manager) ExecuteTemplate(name string, data any) (string, error) {
	tmpl := m.templates.Lookup(name)
	if tmpl == nil {
		return "", fmt.Errorf("template %s not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}

	return buf.String(), nil
}

// TemplateExists checks if a template is loaded.
func (m *Manager) TemplateExists(name string) bool {
	return m.templates.Lookup(name) != nil
}
