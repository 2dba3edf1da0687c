package image

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// pullContainerDisk fetches a container image and extracts the first disk
// file found in its layers into destDir. Container-disk images convention-
// ally ship the payload under /disk/, so those paths win over other
// matches.
func (m *Manager) pullContainerDisk(ctx context.Context, ref, destDir string) (string, error) {
	m.log.Info("pulling container disk", slog.String("ref", ref))

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("invalid container image reference %q: %w", ref, err)
	}

	img, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
	if err != nil {
		return "", fmt.Errorf("failed to pull %s: %w", ref, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return "", fmt.Errorf("failed to read layers of %s: %w", ref, err)
	}

	// Two passes: the /disk/ convention first, then any disk-typed file.
	for _, preferredOnly := range []bool{true, false} {
		for i := len(layers) - 1; i >= 0; i-- {
			path, err := extractDiskFromLayer(layers[i], destDir, preferredOnly)
			if err != nil {
				return "", err
			}
			if path != "" {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("container image %s contains no disk file", ref)
}

type layerOpener interface {
	Uncompressed() (io.ReadCloser, error)
}

func extractDiskFromLayer(layer layerOpener, destDir string, preferredOnly bool) (string, error) {
	rc, err := layer.Uncompressed()
	if err != nil {
		return "", fmt.Errorf("failed to open layer: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read layer: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !hasPayloadExtension(hdr.Name) {
			continue
		}
		if preferredOnly && !strings.Contains(hdr.Name, "disk/") {
			continue
		}
		return writeExtracted(destDir, sanitizeMemberName(hdr.Name), tr)
	}
}

func sanitizeMemberName(name string) string {
	name = strings.TrimPrefix(name, "./")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
