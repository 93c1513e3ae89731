package kept

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus/kept/internal/syncstatus"
)

const failuresFile = "failures.json"

func loadFailures(dir string) ([]syncstatus.Failure, error) {
	data, err := os.ReadFile(filepath.Join(dir, failuresFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var fs []syncstatus.Failure
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", failuresFile, err)
	}
	return fs, nil
}

func saveFailures(dir string, fs []syncstatus.Failure) error {
	if len(fs) == 0 {
		return removeFailures(dir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, failuresFile), data, 0600)
}

func removeFailures(dir string) error {
	err := os.Remove(filepath.Join(dir, failuresFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
