package config

import "path/filepath"

// matchBase reports whether name's base or full form matches the glob
// pattern pat, the same two-way check cdev's ignore-pattern handling
// uses. filepath.Match has no recursive "**": a "*" never matches a
// path separator, so a pattern like "vendor/**" matches only a whole
// name of the form "vendor/x".
func matchBase(pat, name string) (bool, error) {
	if ok, err := filepath.Match(pat, filepath.Base(name)); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	return filepath.Match(pat, name)
}
