package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// render writes v as JSON or YAML, or calls text for the text format.
func render(w io.Writer, format string, v interface{}, text func(io.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so the API's field names are kept.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		text(w)
		return nil
	}
}

func printKV(w io.Writer, key string, value interface{}) {
	fmt.Fprintf(w, "%-26s %v\n", key+":", value)
}
