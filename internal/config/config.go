// Package config holds the waygps settings, which come from an optional
// JSON file overridden by command line flags.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/spf13/pflag"
	"github.com/waygps/tools/internal/hostcmd"
	"github.com/waygps/tools/internal/lxcconfig"
	"github.com/waygps/tools/internal/patcher"
	"github.com/waygps/tools/internal/profile"
	"github.com/waygps/tools/internal/resize"
)

const (
	LabelChcon = "chcon"
	LabelXattr = "xattr"

	OffsetsFdisk  = "fdisk"
	OffsetsDiskfs = "diskfs"

	CopyOwnership = "ownership"
	CopyMode      = "mode"
)

type Struct struct {
	ReferenceImage string `json:",omitempty"` // positional argument
	Profile        string // -profile
	ProfilesFile   string `json:",omitempty"` // -profiles

	VendorImage string // -vendor_image
	SystemImage string // -system_image
	MountRoot   string // -mount_root

	Device    string // -device
	Baud      int    // -baud
	LXCConfig string // -lxc_config

	Sudo        string // -sudo
	Label       string // -label
	Offsets     string // -offsets
	CopyPolicy  string // -copy_policy
	HeadroomMiB int64  // -headroom_mib

	Idempotent   bool `json:",omitempty"` // -idempotent
	StrictStderr bool `json:",omitempty"` // -strict_stderr
	Verify       bool `json:",omitempty"` // -verify
}

// Default returns the settings used for anything neither the config file
// nor a flag sets.
func Default() *Struct {
	return &Struct{
		Profile:     profile.DefaultName,
		VendorImage: patcher.DefaultVendorImage,
		SystemImage: patcher.DefaultSystemImage,
		MountRoot:   patcher.DefaultMountRoot,
		Device:      patcher.DefaultDevice,
		Baud:        patcher.DefaultBaud,
		LXCConfig:   lxcconfig.DefaultPath,
		Sudo:        hostcmd.SudoAuto,
		Label:       LabelChcon,
		Offsets:     OffsetsFdisk,
		CopyPolicy:  CopyOwnership,
		HeadroomMiB: resize.DefaultHeadroomMiB,
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/waygps/config.json.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "waygps", "config.json")
}

// ReadFromFile returns Default overlaid with the settings in path. A
// missing file is not an error.
func ReadFromFile(path string) (*Struct, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	log.Printf("reading waygps config from %s", path)
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save atomically writes the config to path.
func (s *Struct) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return renameio.WriteFile(path, b, 0644)
}

func oneOf(name, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (valid: %q)", name, value, valid)
}

// Validate checks the settings which are restricted to a set of values.
func (s *Struct) Validate() error {
	if err := oneOf("sudo mode", s.Sudo, hostcmd.SudoAuto, hostcmd.SudoAlways, hostcmd.SudoNever); err != nil {
		return err
	}
	if err := oneOf("label method", s.Label, LabelChcon, LabelXattr); err != nil {
		return err
	}
	if err := oneOf("offset source", s.Offsets, OffsetsFdisk, OffsetsDiskfs); err != nil {
		return err
	}
	if err := oneOf("copy policy", s.CopyPolicy, CopyOwnership, CopyMode); err != nil {
		return err
	}
	if s.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", s.Baud)
	}
	if s.HeadroomMiB <= 0 {
		return fmt.Errorf("invalid headroom %d MiB", s.HeadroomMiB)
	}
	return nil
}

// PatcherConfig returns the parameters of a patching run.
func (s *Struct) PatcherConfig() patcher.Config {
	policy := patcher.CopyOwnership
	if s.CopyPolicy == CopyMode {
		policy = patcher.CopyMode
	}
	return patcher.Config{
		ReferenceImage: s.ReferenceImage,
		VendorImage:    s.VendorImage,
		SystemImage:    s.SystemImage,
		MountRoot:      s.MountRoot,
		Device:         s.Device,
		Baud:           s.Baud,
		LXCConfig:      s.LXCConfig,
		CopyPolicy:     policy,
		Idempotent:     s.Idempotent,
		Verify:         s.Verify,
	}
}

// Flags are the command line overrides of a Struct.
type Flags struct {
	ConfigPath string
	vals       Struct
}

// RegisterPflags registers the -config flag and one flag per setting.
// Flag defaults are the built-in defaults; only flags which are set on the
// command line override the config file.
func (f *Flags) RegisterPflags(fs *pflag.FlagSet) {
	def := Default()
	v := &f.vals
	fs.StringVar(&f.ConfigPath, "config", DefaultPath(), "path to the waygps JSON config file (a missing file means defaults)")
	fs.StringVar(&v.Profile, "profile", def.Profile, "reference image layout (see waygps profiles)")
	fs.StringVar(&v.ProfilesFile, "profiles", "", "optional YAML file with additional profiles")
	fs.StringVar(&v.VendorImage, "vendor_image", def.VendorImage, "Waydroid vendor image to patch")
	fs.StringVar(&v.SystemImage, "system_image", def.SystemImage, "Waydroid system image to patch")
	fs.StringVar(&v.MountRoot, "mount_root", def.MountRoot, "directory to create mount points in")
	fs.StringVar(&v.Device, "device", def.Device, "name of the GPS device node below /dev")
	fs.IntVar(&v.Baud, "baud", def.Baud, "serial speed of the GPS device")
	fs.StringVar(&v.LXCConfig, "lxc_config", def.LXCConfig, "Waydroid LXC node configuration to bind the device in")
	fs.StringVar(&v.Sudo, "sudo", def.Sudo, "how to obtain root privileges: auto re-runs waygps through sudo unless it runs as root, always re-runs it through sudo in any case, never fails unless it runs as root")
	fs.StringVar(&v.Label, "label", def.Label, "how to set SELinux labels (chcon or xattr)")
	fs.StringVar(&v.Offsets, "offsets", def.Offsets, "how to find partition offsets (fdisk or diskfs)")
	fs.StringVar(&v.CopyPolicy, "copy_policy", def.CopyPolicy, "metadata applied to copied files (ownership or mode)")
	fs.Int64Var(&v.HeadroomMiB, "headroom_mib", def.HeadroomMiB, "MiB to grow each Waydroid image by")
	fs.BoolVar(&v.Idempotent, "idempotent", false, "skip manifest entries, properties and bind mounts which are already present")
	fs.BoolVar(&v.StrictStderr, "strict_stderr", false, "fail when e2fsck or resize2fs print anything but their version banner to stderr, even if they exit successfully (by default such output is logged as a warning)")
	fs.BoolVar(&v.Verify, "verify", false, "compare copied files with their source")
}

// Resolve reads the config file and applies the flags set on fs.
func (f *Flags) Resolve(fs *pflag.FlagSet) (*Struct, error) {
	cfg, err := ReadFromFile(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	v := &f.vals
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "profile":
			cfg.Profile = v.Profile
		case "profiles":
			cfg.ProfilesFile = v.ProfilesFile
		case "vendor_image":
			cfg.VendorImage = v.VendorImage
		case "system_image":
			cfg.SystemImage = v.SystemImage
		case "mount_root":
			cfg.MountRoot = v.MountRoot
		case "device":
			cfg.Device = v.Device
		case "baud":
			cfg.Baud = v.Baud
		case "lxc_config":
			cfg.LXCConfig = v.LXCConfig
		case "sudo":
			cfg.Sudo = v.Sudo
		case "label":
			cfg.Label = v.Label
		case "offsets":
			cfg.Offsets = v.Offsets
		case "copy_policy":
			cfg.CopyPolicy = v.CopyPolicy
		case "headroom_mib":
			cfg.HeadroomMiB = v.HeadroomMiB
		case "idempotent":
			cfg.Idempotent = v.Idempotent
		case "strict_stderr":
			cfg.StrictStderr = v.StrictStderr
		case "verify":
			cfg.Verify = v.Verify
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
