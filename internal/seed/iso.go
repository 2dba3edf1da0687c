package seed

import (
	"bytes"
	"fmt"
	"os"

	"github.com/kdomanski/iso9660"

	"github.com/vmrunner/vmrunner/internal/config"
)

// volumeLabel is the NoCloud datasource label; the guest's first-boot
// processor finds the seed by it. Must be uppercase.
const volumeLabel = "CIDATA"

// BuildISO assembles the seed media image in memory.
func BuildISO(cfg *config.ResolvedConfig) ([]byte, error) {
	userData, err := BuildUserData(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate user-data: %w", err)
	}
	metaData, err := GenerateMetaData(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate meta-data: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader([]byte(userData)), "user-data"); err != nil {
		return nil, fmt.Errorf("failed to add user-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return nil, fmt.Errorf("failed to add meta-data: %w", err)
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, volumeLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}
	return buf.Bytes(), nil
}

// Write builds the seed ISO and places it in the guest directory,
// returning its path. Regeneration is harmless: with an unchanged instance
// identifier the guest does not re-run already-applied first-boot steps.
func Write(cfg *config.ResolvedConfig) (string, error) {
	data, err := BuildISO(cfg)
	if err != nil {
		return "", err
	}

	path := SeedPath(cfg)
	if err := os.MkdirAll(cfg.GuestDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create guest directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write seed media: %w", err)
	}
	return path, nil
}
