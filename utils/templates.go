package utils

import (
	"fmt"
	"io"

	"github.com/edisonguo/jet"
)

// ExecuteWriteTemplateFile compiles the named template under
// templateRoot and writes the rendered output into a stream.
func ExecuteWriteTemplateFile(w io.Writer, data interface{}, templateRoot string, name string) error {
	view := jet.NewSet(jet.SafeWriter(func(w io.Writer, b []byte) {
		w.Write(b)
	}), templateRoot, "/")

	tpl, err := view.GetTemplate(name)
	if err != nil {
		return fmt.Errorf("Error trying to load template %s: %v", name, err)
	}

	vars := make(jet.VarMap)
	if err = tpl.Execute(w, vars, data); err != nil {
		return fmt.Errorf("Error executing template %s: %v", name, err)
	}

	return nil
}
