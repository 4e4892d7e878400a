package ida

import (
	_ "embed"
	"os"
	"path/filepath"
)

// nopScript waits for the IDA auto analysis and exits. Running it is the
// cheapest way to make IDA produce a database and nothing else.
//
//go:embed nop_script.py
var nopScript []byte

// NopScript materializes the embedded no-op IDAPython script into dir and
// returns its path. Use it with WithScript for database generation only
// runs.
func NopScript(dir string) (string, error) {
	path := filepath.Join(dir, "idarun_nop.py")
	if err := os.WriteFile(path, nopScript, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
