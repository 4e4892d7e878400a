package ida

import (
	"os"
	"os/exec"
	"path/filepath"
)

// PathEnv is the environment variable naming the IDA installation, either
// the install directory or the binary itself.
const PathEnv = "IDA_PATH"

// binaryNames are the recognized headless executables, preferred order. The
// idat variants are the text mode binaries shipped since IDA 7.
var binaryNames = []string{"idat64", "idat", "ida64", "ida"}

// Locate resolves the IDA executable: PathEnv first, then a $PATH search
// over the recognized names. It returns ErrToolNotFound when nothing
// resolves, so callers can fail fast before doing any work.
func Locate() (string, error) {
	return locate(os.Getenv(PathEnv), exec.LookPath)
}

func locate(envPath string, lookPath func(string) (string, error)) (string, error) {
	if envPath != "" {
		if info, err := os.Stat(envPath); err == nil {
			if info.IsDir() {
				for _, name := range binaryNames {
					candidate := filepath.Join(envPath, name)
					if isExecutable(candidate) {
						return candidate, nil
					}
				}
			} else if isExecutable(envPath) {
				return envPath, nil
			}
		}
	}

	for _, name := range binaryNames {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrToolNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode()&0o111 != 0
}
