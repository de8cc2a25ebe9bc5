package brain

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/selivandex/autopilot-runner/pkg/templates"
)

//go:embed templates/*.tmpl
var promptFS embed.FS

// DefaultTemplates loads the prompt templates embedded in the binary.
func DefaultTemplates() (*templates.Manager, error) {
	sub, err := fs.Sub(promptFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded templates: %w", err)
	}
	return templates.NewFromFS(sub, "*.tmpl")
}
