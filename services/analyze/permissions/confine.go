// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package permissions

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Validation errors for caller-supplied skill directories. Handlers map
// these to 400 responses.
var (
	ErrEmptySkillDir    = errors.New("skill_dir must not be empty")
	ErrAbsoluteSkillDir = errors.New("absolute skill_dir paths are not allowed")
	ErrPathTraversal    = errors.New("path traversal in skill_dir is not allowed")
	ErrOutsideBase      = errors.New("skill_dir must refer to an existing directory within the skills base directory")
)

// ResolveSkillDir confines a caller-supplied relative directory to the
// configured base directory and returns the absolute path.
//
// Description:
//
//	The request path is rejected if empty, absolute, or containing "."
//	or ".." components. Hidden components are silently dropped. The
//	joined result must resolve inside baseDir and exist as a directory.
func ResolveSkillDir(baseDir, requested string) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}

	requested = strings.TrimSpace(requested)
	if requested == "" {
		return "", ErrEmptySkillDir
	}
	if filepath.IsAbs(requested) {
		return "", ErrAbsoluteSkillDir
	}

	var safeParts []string
	for _, part := range strings.Split(filepath.ToSlash(requested), "/") {
		if part == ".." || part == "." {
			return "", ErrPathTraversal
		}
		if part != "" && !strings.HasPrefix(part, ".") {
			safeParts = append(safeParts, part)
		}
	}
	if len(safeParts) == 0 {
		return "", ErrEmptySkillDir
	}

	resolved := filepath.Join(append([]string{base}, safeParts...)...)

	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideBase
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", ErrOutsideBase
	}

	return resolved, nil
}
