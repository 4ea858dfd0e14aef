// Package icloud prepares an Xcode project for iCloud (CloudKit) sync.
//
// It rewrites the placeholder container identifier in the app's
// entitlements and source files, and patches project.pbxproj so the app
// target declares the iCloud capability and its build configurations point
// at the entitlements file. The project manifest is edited as text, anchored
// by regular expressions; it is never parsed and re-serialized.
//
// # Basic Usage
//
//	layout := icloud.DefaultLayout(".")
//	containerID := icloud.ContainerID("com.example.app")
//
//	if _, err := icloud.ReplacePlaceholderInFile(layout.Entitlements(), containerID); err != nil {
//	    log.Fatal(err)
//	}
//	targetID, err := icloud.FindTargetIDInFile(layout.Project(), layout.TargetName)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := icloud.AddICloudCapabilityToProject(layout.Project(), targetID, layout.TargetName, layout.EntitlementsPath)
//
// # Verification
//
// Provisioning profiles and signed app binaries can be checked for the
// container identifier with ParseProvisioningProfile and
// ReadAppEntitlements.
package icloud
