package icloud

import "path/filepath"

const (
	// DefaultBundleID is used when no bundle identifier is supplied
	DefaultBundleID = "com.bottlekeep.whiskey"

	// PlaceholderContainerID is the container identifier checked into the
	// repository, replaced with the real one before building
	PlaceholderContainerID = "iCloud.com.yourname.BottleKeeper"

	containerPrefix = "iCloud."
)

// ContainerID derives the CloudKit container identifier for a bundle ID
func ContainerID(bundleID string) string {
	return containerPrefix + bundleID
}

// Layout describes where the files patched by the setup live, relative to Dir
type Layout struct {
	Dir              string // Repository root
	EntitlementsPath string // Entitlements plist, also written into CODE_SIGN_ENTITLEMENTS
	SourcePath       string // Source file holding the hard-coded container ID
	ProjectPath      string // project.pbxproj
	TargetName       string // Name of the app's native target
}

// DefaultLayout returns the BottleKeeper project layout rooted at dir
func DefaultLayout(dir string) Layout {
	return Layout{
		Dir:              dir,
		EntitlementsPath: "BottleKeeper/BottleKeeper.entitlements",
		SourcePath:       "BottleKeeper/Services/CoreDataManager.swift",
		ProjectPath:      "BottleKeeper.xcodeproj/project.pbxproj",
		TargetName:       "BottleKeeper",
	}
}

// Entitlements returns the resolved entitlements file path
func (l Layout) Entitlements() string {
	return filepath.Join(l.Dir, l.EntitlementsPath)
}

// Source returns the resolved source file path
func (l Layout) Source() string {
	return filepath.Join(l.Dir, l.SourcePath)
}

// Project returns the resolved project manifest path
func (l Layout) Project() string {
	return filepath.Join(l.Dir, l.ProjectPath)
}
