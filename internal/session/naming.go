package session

import "strings"

// CompressedSuffix is inserted before the extension of derived names.
const CompressedSuffix = "-compressed"

// DeriveName returns the download name for a compressed copy of name:
// "photo.png" becomes "photo-compressed.png", "noext" becomes "noext-compressed".
func DeriveName(name string) string {
	dot := strings.LastIndex(name, ".")
	if dot == -1 {
		return name + CompressedSuffix
	}
	return name[:dot] + CompressedSuffix + name[dot:]
}
