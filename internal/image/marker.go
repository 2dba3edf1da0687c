package image

import (
	"os"
	"path/filepath"
	"time"
)

// installedMarkerName is the out-of-band marker written next to a
// persistent working disk after an installer boot completes. Its presence,
// not the disk's, is what says the installer already ran: disks are reused
// for ordinary boots too.
const installedMarkerName = ".installed"

// InstalledMarkerPath returns the marker location for a guest directory.
func InstalledMarkerPath(guestDir string) string {
	return filepath.Join(guestDir, installedMarkerName)
}

// InstallerAlreadyRan reports whether the marker exists.
func InstallerAlreadyRan(guestDir string) bool {
	_, err := os.Stat(InstalledMarkerPath(guestDir))
	return err == nil
}

// WriteInstalledMarker records a completed installer run.
func WriteInstalledMarker(guestDir string) error {
	return os.WriteFile(InstalledMarkerPath(guestDir), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}
