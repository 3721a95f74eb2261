package sandbox

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTestCommand is used when no marker file identifies the project type.
const DefaultTestCommand = "python -m pytest -v"

type marker struct {
	files   []string
	command string
}

//nolint:gochecknoglobals // detection table, first match wins
var markers = []marker{
	{[]string{"pytest.ini", "pyproject.toml", "setup.py", "requirements.txt"}, DefaultTestCommand},
	{[]string{"package.json"}, "npm test"},
	{[]string{"go.mod"}, "go test ./..."},
	{[]string{"Cargo.toml"}, "cargo test"},
}

// DetectTestCommand picks a test command from the marker files in dir.
func DetectTestCommand(dir string) string {
	for _, m := range markers {
		for _, name := range m.files {
			if fileExists(filepath.Join(dir, name)) {
				return m.command
			}
		}
	}
	if hasMakeTestTarget(filepath.Join(dir, "Makefile")) {
		return "make test"
	}
	return DefaultTestCommand
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func hasMakeTestTarget(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "test:") {
			return true
		}
	}
	return false
}
