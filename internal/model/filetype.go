package model

import (
	"path"
	"strings"
)

// NoExtension is the file type recorded for names without an extension.
const NoExtension = "none"

var archiveTypes = map[string]bool{
	"zip": true,
	"tar": true,
	"gz":  true,
	"tgz": true,
	"bz2": true,
	"xz":  true,
	"7z":  true,
	"rar": true,
}

// FileExtension returns the lowercased extension of the last path segment of
// name, or NoExtension.
func FileExtension(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	i := strings.LastIndex(base, ".")
	if i < 0 || i == len(base)-1 {
		return NoExtension
	}
	return strings.ToLower(base[i+1:])
}

// IsArchiveType reports whether the file type is a container format whose
// contents are opaque without further inspection.
func IsArchiveType(fileType string) bool {
	return archiveTypes[strings.ToLower(fileType)]
}
