package config

import "testing"

func TestClassifyBootSource(t *testing.T) {
	tests := []struct {
		ref     string
		want    BootKind
		wantURL bool
		wantErr bool
	}{
		{ref: "", want: KindDistro},
		{ref: "blank", want: KindBlank},
		{ref: "https://example.com/installer.iso", want: KindISO, wantURL: true},
		{ref: "/images/installer.ISO", want: KindISO},
		{ref: "https://example.com/disk.qcow2", want: KindDiskImage, wantURL: true},
		{ref: "/images/disk.img", want: KindDiskImage},
		{ref: "/images/disk.raw", want: KindDiskImage},
		{ref: "/images/disk.vhd", want: KindConvertible},
		{ref: "/images/disk.vmdk", want: KindConvertible},
		{ref: "/images/disk.vdi", want: KindConvertible},
		{ref: "https://example.com/disk.tar.xz", want: KindArchive, wantURL: true},
		{ref: "/images/disk.tgz", want: KindArchive},
		{ref: "/images/disk.qcow2.gz", want: KindArchive},
		{ref: "/images/disk.zip", want: KindArchive},
		{ref: "docker.io/library/disks:latest", want: KindOCI},
		{ref: "localhost/disks:v1", want: KindOCI},
		{ref: "registry:5000/disks", want: KindOCI},
		{ref: "ubuntu:latest", want: KindOCI},
		{ref: "/images/unknown.xyz", wantErr: true},
		{ref: "plainword", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ClassifyBootSource(tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ClassifyBootSource(%q) expected error", tt.ref)
				}
				return
			}
			if err != nil {
				t.Fatalf("ClassifyBootSource(%q) error = %v", tt.ref, err)
			}
			if got.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.want)
			}
			if got.IsURL != tt.wantURL {
				t.Errorf("IsURL = %v, want %v", got.IsURL, tt.wantURL)
			}
		})
	}
}

func TestClassifyBootSourceExistingPathNotOCI(t *testing.T) {
	// An existing local file never matches the registry heuristic.
	if looksLikeOCIReference("/etc/hostname") {
		t.Error("absolute path classified as OCI reference")
	}
}
