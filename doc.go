// Package main provides the icloud-setup CLI tool, which configures iCloud
// CloudKit for the BottleKeeper Xcode project.
//
// For the library API, see the icloud subpackage:
//
//	import "github.com/aluedeke/go-icloud-setup/pkg/icloud"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-icloud-setup@latest
//
// Run it from the repository root:
//
//	icloud-setup com.example.app
package main
