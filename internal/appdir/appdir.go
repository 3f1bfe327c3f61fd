package appdir

import (
	"path/filepath"
	"strings"
)

// Well-known names within an AppDaemon configuration tree.
const (
	// AppsDirName is the subdirectory holding the app scripts and manifest.
	AppsDirName = "apps"
	// ManifestName is the app manifest inside the apps directory. It is
	// copied on deploy but never removed by the stale-script cleanup.
	ManifestName = "apps.yaml"
	// ConfigFileName is the add-on configuration file at the tree root.
	ConfigFileName = "appdaemon.yaml"
)

// DefaultScriptExtensions are the file extensions treated as app scripts
// when the configuration does not override them.
var DefaultScriptExtensions = []string{".py"}

// IsScriptFile returns true if the file carries one of the given script
// extensions. Extension matching is exact and case-sensitive.
func IsScriptFile(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	for _, valid := range extensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// IsManifest returns true if the file is the app manifest.
func IsManifest(path string) bool {
	return filepath.Base(path) == ManifestName
}

// IsHidden returns true for dotfiles and dot-directories (e.g. .git),
// which deploys skip when copying the apps tree.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
