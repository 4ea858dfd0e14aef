package icloud

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-macho"
	"howett.net/plist"
)

// ExtractIPA extracts an IPA file to a temporary directory
// Returns the path to the temp directory
func ExtractIPA(ipaPath string) (string, error) {
	tempDir, err := os.MkdirTemp("", "icloud-verify-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		os.RemoveAll(tempDir)
		return "", fmt.Errorf("failed to open IPA: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractZipFile(f, tempDir); err != nil {
			os.RemoveAll(tempDir)
			return "", fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}

	return tempDir, nil
}

func extractZipFile(f *zip.File, destDir string) error {
	// Sanitize the file path to prevent zip slip
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer destFile.Close()

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer srcFile.Close()

	_, err = io.Copy(destFile, srcFile)
	return err
}

// FindAppBundle finds the .app bundle inside an extracted IPA
func FindAppBundle(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, "Payload")

	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			return filepath.Join(payloadDir, entry.Name()), nil
		}
	}

	return "", fmt.Errorf("no .app bundle found in Payload directory")
}

// GetAppBundleID reads the bundle identifier from an app's Info.plist
func GetAppBundleID(appPath string) (string, error) {
	return infoPlistString(appPath, "CFBundleIdentifier")
}

// GetAppExecutableName reads the executable name from an app's Info.plist
func GetAppExecutableName(appPath string) (string, error) {
	return infoPlistString(appPath, "CFBundleExecutable")
}

func infoPlistString(appPath, key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(appPath, "Info.plist"))
	if err != nil {
		return "", fmt.Errorf("failed to read Info.plist: %w", err)
	}

	var info map[string]interface{}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("failed to parse Info.plist: %w", err)
	}

	value, ok := info[key].(string)
	if !ok {
		return "", fmt.Errorf("%s not found in Info.plist", key)
	}
	return value, nil
}

// ReadAppEntitlements returns the entitlements embedded in the code
// signature of an app's main executable
func ReadAppEntitlements(appPath string) (map[string]interface{}, error) {
	execName, err := GetAppExecutableName(appPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(appPath, execName))
	if err != nil {
		return nil, fmt.Errorf("failed to read executable: %w", err)
	}

	return ReadBinaryEntitlements(data)
}

// ReadBinaryEntitlements extracts the entitlements plist from a signed
// Mach-O. Fat binaries are read from their first slice.
func ReadBinaryEntitlements(data []byte) (map[string]interface{}, error) {
	slice := data
	if fat, err := macho.NewFatFile(bytes.NewReader(data)); err == nil {
		defer fat.Close()
		if len(fat.Arches) == 0 {
			return nil, fmt.Errorf("fat binary has no architectures")
		}
		arch := fat.Arches[0]
		if uint64(arch.Offset)+uint64(arch.Size) > uint64(len(data)) {
			return nil, fmt.Errorf("architecture slice extends beyond file")
		}
		slice = data[arch.Offset : uint64(arch.Offset)+uint64(arch.Size)]
	}

	m, err := macho.NewFile(bytes.NewReader(slice))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	for _, load := range m.Loads {
		cs, ok := load.(*macho.CodeSignature)
		if !ok {
			continue
		}
		if uint64(cs.Offset)+uint64(cs.Size) > uint64(len(slice)) {
			return nil, fmt.Errorf("code signature extends beyond file")
		}
		blob, err := entitlementsBlob(slice[cs.Offset : cs.Offset+cs.Size])
		if err != nil {
			return nil, err
		}
		return ParseEntitlementsXML(blob)
	}

	return nil, fmt.Errorf("no code signature found")
}

const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csSlotEntitlements       = 5
)

// entitlementsBlob returns the XML payload of the entitlements slot of an
// embedded signature SuperBlob
func entitlementsBlob(sig []byte) ([]byte, error) {
	if len(sig) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sig[0:4]); magic != csMagicEmbeddedSignature {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", magic)
	}

	count := binary.BigEndian.Uint32(sig[8:12])
	if uint64(len(sig)) < 12+uint64(count)*8 {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	for i := uint32(0); i < count; i++ {
		entry := 12 + i*8
		if binary.BigEndian.Uint32(sig[entry:]) != csSlotEntitlements {
			continue
		}
		offset := binary.BigEndian.Uint32(sig[entry+4:])
		if uint64(offset)+8 > uint64(len(sig)) {
			return nil, fmt.Errorf("entitlements blob out of range")
		}
		size := binary.BigEndian.Uint32(sig[offset+4:])
		if size < 8 || uint64(offset)+uint64(size) > uint64(len(sig)) {
			return nil, fmt.Errorf("entitlements blob out of range")
		}
		// Skip magic and length
		return sig[offset+8 : offset+size], nil
	}

	return nil, fmt.Errorf("code signature has no entitlements")
}
