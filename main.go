package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aluedeke/go-icloud-setup/pkg/icloud"
	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
)

const version = "1.0.0"

const usage = `icloud-setup - iCloud CloudKit setup for Xcode projects

Replaces the placeholder iCloud container ID in the app's entitlements and
source files and registers the iCloud capability in project.pbxproj.
Run from the repository root before building the app.

Usage:
  icloud-setup info [<bundle-id>]
  icloud-setup verify --app=<path> [<bundle-id>]
  icloud-setup [<bundle-id>] [--profile=<path>]
  icloud-setup -h | --help
  icloud-setup --version

Commands:
  info      Show the current iCloud setup state without modifying anything
  verify    Check that a built .app or .ipa is signed for the iCloud container

Arguments:
  <bundle-id>           Bundle ID the container ID is derived from (iCloud.<bundle-id>).
                        Defaults to com.bottlekeep.whiskey, or to the app's
                        CFBundleIdentifier for verify.

Options:
  --profile=<path>      Provisioning profile that must grant the container (or ICLOUD_SETUP_PROFILE env var)
  --app=<path>          Path to the built .app bundle or .ipa file (verify command)
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  ICLOUD_SETUP_PROFILE  Path to provisioning profile (overridden by --profile)

Examples:
  # Configure iCloud for the default bundle ID
  icloud-setup

  # Configure iCloud for a specific bundle ID
  icloud-setup com.example.app

  # Fail early unless the CI provisioning profile grants the container
  icloud-setup com.example.app --profile=build/dev.mobileprovision

  # Show what is currently configured
  icloud-setup info com.example.app

  # Check the signed build
  icloud-setup verify --app=build/BottleKeeper.ipa
`

// errReported marks a failure whose message was already printed as a status line
var errReported = errors.New("failure reported")

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	if err := run(opts, ".", os.Stdout); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(opts docopt.Opts, dir string, w io.Writer) error {
	if info, _ := opts.Bool("info"); info {
		return runInfo(opts, dir, w)
	}
	if verify, _ := opts.Bool("verify"); verify {
		return runVerify(opts, w)
	}
	// Without --app the verify pattern fails and the word lands in <bundle-id>
	if bundleID, _ := opts.String("<bundle-id>"); bundleID == "verify" {
		return fmt.Errorf("verify requires --app=<path>")
	}
	return runSetup(opts, dir, w)
}

func bundleIDArg(opts docopt.Opts) string {
	if bundleID, _ := opts.String("<bundle-id>"); bundleID != "" {
		return bundleID
	}
	return icloud.DefaultBundleID
}

func runSetup(opts docopt.Opts, dir string, w io.Writer) error {
	bundleID := bundleIDArg(opts)
	profilePath, _ := opts.String("--profile")
	if profilePath == "" {
		profilePath = os.Getenv("ICLOUD_SETUP_PROFILE")
	}

	layout := icloud.DefaultLayout(dir)
	containerID := icloud.ContainerID(bundleID)

	fmt.Fprintln(w, "=== iCloud CloudKit Setup ===")
	fmt.Fprintf(w, "Bundle ID: %s\n", bundleID)
	fmt.Fprintf(w, "Container ID: %s\n", containerID)
	fmt.Fprintln(w)

	// Checked before anything is modified
	if profilePath != "" {
		if err := checkProfile(w, profilePath, containerID); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Updating entitlements file: %s\n", layout.EntitlementsPath)
	if err := replacePlaceholder(w, layout.Entitlements(), containerID); err != nil {
		return fmt.Errorf("failed to update entitlements: %w", err)
	}
	fmt.Fprintf(w, "%s Updated container ID to: %s\n", green("✓"), containerID)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Updating source file: %s\n", layout.SourcePath)
	if err := replacePlaceholder(w, layout.Source(), containerID); err != nil {
		return fmt.Errorf("failed to update source file: %w", err)
	}
	fmt.Fprintf(w, "%s Updated source container ID to: %s\n", green("✓"), containerID)
	fmt.Fprintln(w)

	targetID, err := icloud.FindTargetIDInFile(layout.Project(), layout.TargetName)
	if errors.Is(err, icloud.ErrTargetNotFound) {
		fmt.Fprintf(w, "%s Could not find %s target ID\n", red("✗"), layout.TargetName)
		return errReported
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Target ID: %s\n", targetID)

	fmt.Fprintf(w, "Adding iCloud capability to project: %s\n", layout.ProjectPath)
	result, err := icloud.AddICloudCapabilityToProject(layout.Project(), targetID, layout.TargetName, layout.EntitlementsPath)
	if errors.Is(err, icloud.ErrProjectSectionNotFound) || errors.Is(err, icloud.ErrTargetAttributesNotFound) {
		fmt.Fprintf(w, "%s %v\n", red("✗"), err)
		fmt.Fprintf(w, "%s Setup failed\n", red("✗"))
		return errReported
	}
	if err != nil {
		return err
	}

	switch {
	case result.AlreadyConfigured:
		fmt.Fprintf(w, "%s iCloud capability already configured\n", green("✓"))
	case result.TargetBlockCreated:
		fmt.Fprintf(w, "%s Added target attributes with iCloud capability\n", green("✓"))
	default:
		fmt.Fprintf(w, "%s Added iCloud capability to project\n", green("✓"))
	}
	if result.EntitlementsRefsAdded > 0 {
		fmt.Fprintf(w, "%s Added CODE_SIGN_ENTITLEMENTS to %d build configuration(s)\n", green("✓"), result.EntitlementsRefsAdded)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s iCloud CloudKit setup completed successfully!\n", green("✓"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintln(w, "1. Commit and push changes")
	fmt.Fprintln(w, "2. Run iOS build workflow to deploy to TestFlight")
	fmt.Fprintln(w, "3. Install app on multiple devices with same iCloud account")
	fmt.Fprintln(w, "4. Data will sync automatically between devices")
	return nil
}

func replacePlaceholder(w io.Writer, path, containerID string) error {
	count, err := icloud.ReplacePlaceholderInFile(path, containerID)
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Fprintf(w, "%s Placeholder %s not found, file unchanged\n", yellow("!"), icloud.PlaceholderContainerID)
	}
	return nil
}

func checkProfile(w io.Writer, profilePath, containerID string) error {
	profile, err := icloud.ReadProvisioningProfile(profilePath)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Provisioning profile: %s (team %s)\n", profile.Name, profile.GetTeamID())
	if appID := profile.GetApplicationIdentifier(); appID != "" {
		fmt.Fprintf(w, "Application ID: %s\n", appID)
	}
	if profile.IsExpired() {
		fmt.Fprintf(w, "%s Provisioning profile expired on %s\n", yellow("!"), profile.ExpirationDate.Format("2006-01-02"))
	}

	if err := profile.CheckContainer(containerID); err != nil {
		fmt.Fprintf(w, "%s Provisioning profile does not grant %s\n", red("✗"), containerID)
		return errReported
	}
	fmt.Fprintf(w, "%s Provisioning profile grants %s\n", green("✓"), containerID)
	return nil
}

func runInfo(opts docopt.Opts, dir string, w io.Writer) error {
	bundleID := bundleIDArg(opts)
	containerID := icloud.ContainerID(bundleID)
	layout := icloud.DefaultLayout(dir)

	entitlements, err := icloud.ReadEntitlementsFile(layout.Entitlements())
	if err != nil {
		return err
	}

	source, err := os.ReadFile(layout.Source())
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}

	project, err := os.ReadFile(layout.Project())
	if err != nil {
		return fmt.Errorf("failed to read project: %w", err)
	}

	fmt.Fprintln(w, "iCloud Setup Information")
	fmt.Fprintln(w, "========================")
	fmt.Fprintf(w, "Bundle ID:      %s\n", bundleID)
	fmt.Fprintf(w, "Container ID:   %s\n", containerID)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Entitlements: %s\n", layout.EntitlementsPath)
	fmt.Fprintln(w, "-------------")
	fmt.Fprintf(w, "Containers:     %s\n", strings.Join(icloud.ContainerIdentifiers(entitlements), ", "))
	fmt.Fprintf(w, "Services:       %s\n", strings.Join(icloud.ICloudServices(entitlements), ", "))
	fmt.Fprintf(w, "Placeholder:    %v\n", icloud.GrantsContainer(entitlements, icloud.PlaceholderContainerID))
	fmt.Fprintf(w, "Configured:     %v\n", icloud.GrantsContainer(entitlements, containerID))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Source: %s\n", layout.SourcePath)
	fmt.Fprintln(w, "-------")
	fmt.Fprintf(w, "Placeholder:    %v\n", strings.Contains(string(source), icloud.PlaceholderContainerID))
	fmt.Fprintf(w, "Configured:     %v\n", strings.Contains(string(source), `"`+containerID+`"`))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Project: %s\n", layout.ProjectPath)
	fmt.Fprintln(w, "--------")
	targetID, err := icloud.FindTargetID(string(project), layout.TargetName)
	if err != nil {
		fmt.Fprintf(w, "%s Could not find %s target ID\n", red("✗"), layout.TargetName)
		return nil
	}
	fmt.Fprintf(w, "Target ID:      %s\n", targetID)

	status, err := icloud.InspectProject(string(project), targetID, layout.TargetName)
	if err != nil {
		fmt.Fprintf(w, "%s %v\n", red("✗"), err)
		return nil
	}
	fmt.Fprintf(w, "Capability:     %v\n", status.CapabilityConfigured)
	fmt.Fprintf(w, "Entitlements:   %d build configuration(s)\n", status.EntitlementsRefs)
	return nil
}

func runVerify(opts docopt.Opts, w io.Writer) error {
	inputPath, _ := opts.String("--app")
	appPath := inputPath

	if strings.HasSuffix(strings.ToLower(inputPath), ".ipa") {
		tempDir, err := icloud.ExtractIPA(inputPath)
		if err != nil {
			return fmt.Errorf("failed to extract IPA: %w", err)
		}
		defer os.RemoveAll(tempDir)

		appPath, err = icloud.FindAppBundle(tempDir)
		if err != nil {
			return fmt.Errorf("failed to find app bundle: %w", err)
		}
	}

	bundleID, _ := opts.String("<bundle-id>")
	if bundleID == "" {
		var err error
		bundleID, err = icloud.GetAppBundleID(appPath)
		if err != nil {
			return fmt.Errorf("failed to get bundle ID: %w", err)
		}
	}
	containerID := icloud.ContainerID(bundleID)

	entitlements, err := icloud.ReadAppEntitlements(appPath)
	if err != nil {
		return fmt.Errorf("failed to read signed entitlements: %w", err)
	}

	fmt.Fprintf(w, "Verifying app: %s\n", inputPath)
	fmt.Fprintf(w, "Bundle ID:      %s\n", bundleID)
	fmt.Fprintf(w, "Container ID:   %s\n", containerID)
	fmt.Fprintf(w, "Containers:     %s\n", strings.Join(icloud.ContainerIdentifiers(entitlements), ", "))
	fmt.Fprintf(w, "Services:       %s\n", strings.Join(icloud.ICloudServices(entitlements), ", "))
	fmt.Fprintln(w)

	if !icloud.GrantsContainer(entitlements, containerID) {
		fmt.Fprintf(w, "%s App is not signed for %s\n", red("✗"), containerID)
		return errReported
	}

	hasCloudKit := false
	for _, service := range icloud.ICloudServices(entitlements) {
		if service == "CloudKit" {
			hasCloudKit = true
		}
	}
	if !hasCloudKit {
		fmt.Fprintf(w, "%s CloudKit is not listed in %s\n", yellow("!"), icloud.ICloudServicesKey)
	}

	fmt.Fprintf(w, "%s App is signed for %s\n", green("✓"), containerID)
	return nil
}
