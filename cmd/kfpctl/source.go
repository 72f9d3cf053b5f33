package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var errEmptyNotebook = errors.New("Please add some code to your notebook before submitting.")

type notebook struct {
	Cells []struct {
		CellType string          `json:"cell_type"`
		Source   json.RawMessage `json:"source"`
	} `json:"cells"`
}

// loadSource reads Python source from a .py file, stdin ("-"), or the code
// cells of a .ipynb notebook joined in order.
func loadSource(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}

	source := string(data)
	if strings.EqualFold(filepath.Ext(path), ".ipynb") {
		source, err = notebookSource(data)
		if err != nil {
			return "", fmt.Errorf("read notebook %s: %w", path, err)
		}
	}
	if strings.TrimSpace(source) == "" {
		return "", errEmptyNotebook
	}
	return source, nil
}

func notebookSource(data []byte) (string, error) {
	var nb notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, cell := range nb.Cells {
		if cell.CellType != "code" {
			continue
		}
		text, err := cellText(cell.Source)
		if err != nil {
			return "", err
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// cellText accepts both the string and the list-of-lines source forms.
func cellText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, ""), nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", err
	}
	return text, nil
}

// parseParams turns repeated key=value flags into run parameters. Values
// that parse as JSON keep their type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			params[key] = parsed
		} else {
			params[key] = value
		}
	}
	return params, nil
}
