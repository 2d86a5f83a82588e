package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// findFiles returns the absolute paths of the config files under path in
// lexical order. A file named directly is always used, files found while
// walking a directory only when they end in .yaml or .yml.
func findFiles(path string) ([]string, error) {
	var files []string
	if err := walk(path, true, &files); err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	slices.Sort(files)
	return files, nil
}

func walk(path string, direct bool, files *[]string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !fi.IsDir() {
		ext := filepath.Ext(path)
		if !direct && ext != ".yaml" && ext != ".yml" {
			return nil
		}

		ap, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		*files = append(*files, ap)
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("problem while reading directory %s: %s", path, err)
	}

	for _, e := range entries {
		if err := walk(filepath.Join(path, e.Name()), false, files); err != nil {
			return err
		}
	}

	return nil
}
