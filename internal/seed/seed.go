// Package seed produces the first-boot configuration media for a guest: a
// NoCloud ISO carrying the user-data and meta-data payloads.
package seed

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/vmrunner/vmrunner/internal/config"
)

// Metadata is the NoCloud meta-data payload. The instance identifier stays
// constant across restarts of the same guest; changing it (or removing the
// guest's disk) re-triggers first-boot processing, which is the documented
// re-provisioning path.
type Metadata struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

type userRecord struct {
	Name              string   `yaml:"name"`
	Passwd            string   `yaml:"passwd"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

type cloudConfig struct {
	Users         []userRecord `yaml:"users"`
	SSHPwauth     bool         `yaml:"ssh_pwauth"`
	PackageUpdate bool         `yaml:"package_update"`
	Packages      []string     `yaml:"packages"`
	RunCmd        [][]string   `yaml:"runcmd"`
	Mounts        [][]string   `yaml:"mounts,omitempty"`
}

// guestAgentPackage is installed unconditionally so the command bridge's
// control channel comes up on every guest.
const guestAgentPackage = "qemu-guest-agent"

// GenerateMetaData renders the meta-data payload. Output is deterministic
// for a given configuration.
func GenerateMetaData(cfg *config.ResolvedConfig) (string, error) {
	md := Metadata{
		InstanceID:    "iid-" + cfg.Name,
		LocalHostname: cfg.Name,
	}
	out, err := yaml.Marshal(&md)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data: %w", err)
	}
	return string(out), nil
}

// GenerateUserData renders the primary cloud-config payload: the default
// user with a hashed password, optional key injection, the control-channel
// agent bootstrap, and mount directives for each filesystem share.
func GenerateUserData(cfg *config.ResolvedConfig) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	user := userRecord{
		Name:       cfg.User,
		Passwd:     string(hash),
		LockPasswd: false,
		Sudo:       "ALL=(ALL) NOPASSWD:ALL",
		Shell:      "/bin/bash",
	}
	if cfg.SSHPubkey != "" {
		user.SSHAuthorizedKeys = []string{cfg.SSHPubkey}
	}

	cc := cloudConfig{
		Users:         []userRecord{user},
		SSHPwauth:     true,
		PackageUpdate: true,
		Packages:      append([]string{guestAgentPackage}, cfg.Packages...),
		RunCmd: [][]string{
			{"systemctl", "enable", "--now", "qemu-guest-agent"},
		},
		Mounts: shareMounts(cfg.Shares),
	}

	out, err := yaml.Marshal(&cc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data: %w", err)
	}
	return "#cloud-config\n" + string(out), nil
}

// shareMounts emits one fstab-style mount entry per share; the guest mounts
// each share at a fixed, tag-derived path.
func shareMounts(shares []config.FilesystemShare) [][]string {
	var mounts [][]string
	for _, share := range shares {
		fstype := "virtiofs"
		options := "defaults"
		if share.Driver == config.Share9p {
			fstype = "9p"
			options = "trans=virtio,version=9p2000.L"
		}
		if share.ReadOnly {
			options += ",ro"
		}
		mounts = append(mounts, []string{
			share.Tag, "/mnt/" + share.Tag, fstype, options, "0", "0",
		})
	}
	return mounts
}

// BuildUserData returns the final user-data file content. When a secondary
// user payload is configured it is appended as a later MIME part, so the
// operator's cloud-config can extend or override the primary one.
func BuildUserData(cfg *config.ResolvedConfig) (string, error) {
	primary, err := GenerateUserData(cfg)
	if err != nil {
		return "", err
	}
	if cfg.CloudInitUserData == "" {
		return primary, nil
	}

	secondary, err := os.ReadFile(cfg.CloudInitUserData)
	if err != nil {
		return "", fmt.Errorf("failed to read user payload: %w", err)
	}
	if err := validateYAML(secondary); err != nil {
		return "", fmt.Errorf("CLOUD_INIT_USER_DATA contains invalid YAML: %w", err)
	}

	return mergeMultipart(primary, string(secondary))
}

func validateYAML(data []byte) error {
	var v any
	return yaml.Unmarshal(data, &v)
}

// mergeMultipart packages the two payloads as multipart MIME. Cloud-init
// processes parts in order, so the vendor part goes first and the user
// part, named to sort last, wins any conflicts.
func mergeMultipart(primary, secondary string) (string, error) {
	parts := []struct {
		filename string
		content  string
	}{
		{"00-vendor-cloud-config.yaml", primary},
		{"99-user-data", secondary},
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, part := range parts {
		hdr := textproto.MIMEHeader{}
		hdr.Set("Content-Type", `text/cloud-config; charset="us-ascii"`)
		hdr.Set("MIME-Version", "1.0")
		hdr.Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, part.filename))
		pw, err := w.CreatePart(hdr)
		if err != nil {
			return "", err
		}
		if _, err := pw.Write([]byte(part.content)); err != nil {
			return "", err
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var out strings.Builder
	out.WriteString("MIME-Version: 1.0\n")
	out.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\n\n", w.Boundary()))
	out.Write(body.Bytes())
	return out.String(), nil
}

// SeedPath is where a guest's seed media lives.
func SeedPath(cfg *config.ResolvedConfig) string {
	return filepath.Join(cfg.GuestDir, "seed.iso")
}
