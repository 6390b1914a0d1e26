package events

import (
	"fmt"
	"io"
	"os"
)

// Open creates an Emitter for an output spec: "" disables events, "stdout"
// and "stderr" select the standard streams, anything else is a file path
// opened for appending.
func Open(output string) (Emitter, error) {
	switch output {
	case "":
		return NopEmitter{}, nil
	case "stdout":
		return NewJSONLineWriter(os.Stdout), nil
	case "stderr":
		return NewJSONLineWriter(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("open events output %q: %w", output, err)
		}
		return NewJSONLineWriter(f), nil
	}
}

func isStdStream(w io.Writer) bool {
	return w == os.Stdout || w == os.Stderr
}
