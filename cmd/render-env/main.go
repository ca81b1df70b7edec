// render-env prints the environment the open-mower container would be
// created with for a settings document. It reads the settings JSON from the
// given file, or stdin when none is given, and uses the built-in schema
// unless -schema names another one.
//
// Usage: go run ./cmd/render-env [-schema schema.json] [settings.json]
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openmower/openmower-backend/internal/container"
	"github.com/openmower/openmower-backend/internal/schema"
)

func main() {
	schemaFile := flag.String("schema", "", "Settings schema (default: built-in open-mower schema)")
	flag.Parse()

	raw := []byte(container.DefaultSchema())
	if *schemaFile != "" {
		data, err := os.ReadFile(*schemaFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read schema: %v\n", err)
			os.Exit(1)
		}
		raw = data
	}
	s, err := schema.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var settings []byte
	if flag.NArg() > 0 {
		settings, err = os.ReadFile(flag.Arg(0))
	} else {
		settings, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read settings: %v\n", err)
		os.Exit(1)
	}

	for _, kv := range schema.Render(schema.Build(s, settings)) {
		fmt.Println(kv)
	}
}
