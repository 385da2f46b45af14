// Package patcher enables GNSS support in Waydroid images by copying the
// GNSS HAL from a reference Android image into Waydroid's vendor and system
// images and registering it.
//
// A run is a fixed sequence of steps (see State). Every mount made during a
// run is unmounted before Run returns, whether the run succeeded, failed or
// was interrupted.
package patcher

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/waygps/tools/internal/lxcconfig"
	"github.com/waygps/tools/internal/measure"
	"github.com/waygps/tools/internal/mount"
	"github.com/waygps/tools/internal/partition"
	"github.com/waygps/tools/internal/profile"
	"github.com/waygps/tools/internal/propfile"
	"github.com/waygps/tools/internal/provision"
	"github.com/waygps/tools/internal/vintf"
)

const (
	DefaultMountRoot   = "/mnt"
	DefaultVendorImage = "/var/lib/waydroid/images/vendor.img"
	DefaultSystemImage = "/var/lib/waydroid/images/system.img"
	DefaultDevice      = "ttyGPSD"
	DefaultBaud        = 57600

	// Mount point names below the mount root.
	referenceMount = "reference_image"
	vendorMount    = "waydroid_vendor"
	systemMount    = "waydroid_system"
)

// The HAL declarations added to the system image.
const (
	compatibilityMatrixHAL = `<hal format="hidl" optional="true">
    <name>android.hardware.gnss</name>
    <version>1.0</version>
    <interface>
        <name>IGnss</name>
        <instance>default</instance>
    </interface>
</hal>`

	manifestHAL = `<hal format="hidl">
    <name>android.hardware.gnss</name>
    <transport>hwbinder</transport>
    <version>1.0</version>
    <interface>
        <name>IGnss</name>
        <instance>default</instance>
    </interface>
    <fqname>@1.0::IGnss/default</fqname>
</hal>`
)

// CopyPolicy selects how copied files get their metadata.
type CopyPolicy int

const (
	// CopyOwnership sets mode, root ownership and the system_file label.
	CopyOwnership CopyPolicy = iota
	// CopyMode only sets the mode.
	CopyMode
)

// Resizer grows a filesystem image.
type Resizer interface {
	Grow(ctx context.Context, image string) error
}

// Provisioner copies file sets between directory trees.
type Provisioner interface {
	CopyWithOwnership(ctx context.Context, srcDir, dstDir string, paths []string) error
	CopyWithMode(ctx context.Context, srcDir, dstDir string, paths []string) error
}

// Config holds the parameters of a run.
type Config struct {
	ReferenceImage string
	VendorImage    string
	SystemImage    string

	// MountRoot is the directory all mount points are created in.
	MountRoot string

	// Device is the name of the GPS device node below /dev, Baud its
	// serial speed.
	Device string
	Baud   int

	// LXCConfig is the container configuration the device is bound in.
	LXCConfig string

	CopyPolicy CopyPolicy

	// Idempotent skips manifest entries, properties and bind mounts which
	// are already present, so that a run can be repeated.
	Idempotent bool

	// Verify compares every copied file with its source after copying.
	Verify bool
}

func (c *Config) setDefaults() {
	if c.VendorImage == "" {
		c.VendorImage = DefaultVendorImage
	}
	if c.SystemImage == "" {
		c.SystemImage = DefaultSystemImage
	}
	if c.MountRoot == "" {
		c.MountRoot = DefaultMountRoot
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.LXCConfig == "" {
		c.LXCConfig = lxcconfig.DefaultPath
	}
}

// Patcher runs the patching steps. A Patcher is good for one run.
type Patcher struct {
	cfg         Config
	profile     *profile.Profile
	offsets     partition.Source
	mounter     mount.Mounter
	resizer     Resizer
	provisioner Provisioner
	fs          afero.Fs

	state   State
	mounts  *mount.Manager
	scanned []int64
}

// Deps are the collaborators that touch the host.
type Deps struct {
	Offsets     partition.Source
	Mounter     mount.Mounter
	Resizer     Resizer
	Provisioner Provisioner
	// Fs is used for the probe check and the manifest, property and
	// container configuration files. It must see the mount points created
	// by Mounter. Defaults to the host file system.
	Fs afero.Fs
}

// New returns a Patcher for cfg using the reference image layout prof.
func New(cfg Config, prof *profile.Profile, deps Deps) (*Patcher, error) {
	if cfg.ReferenceImage == "" {
		return nil, fmt.Errorf("no reference image configured")
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Patcher{
		cfg:         cfg,
		profile:     prof,
		offsets:     deps.Offsets,
		mounter:     deps.Mounter,
		resizer:     deps.Resizer,
		provisioner: deps.Provisioner,
		fs:          fs,
		mounts:      mount.NewManager(deps.Mounter),
	}, nil
}

// State returns the step the Patcher is in, or the outcome once finished.
func (p *Patcher) State() State { return p.state }

func (p *Patcher) mountPoint(name string) string {
	return filepath.Join(p.cfg.MountRoot, name)
}

type step struct {
	state State
	fn    func(context.Context) error
}

// Run patches the images and then binds the GPS device into the
// container. The first failing step is returned as a *StepError.
//
// Cancelling ctx stops the run before the next step (external tools
// already started are not killed); the mounts are released regardless.
func (p *Patcher) Run(ctx context.Context) error {
	if err := p.run(ctx, []step{
		{Scanning, p.scan},
		{MountingSource, p.mountSource},
		{ResizingTargets, p.resizeTargets},
		{MountingTargets, p.mountTargets},
		{Copying, p.copyFiles},
		{PatchingManifests, p.patchManifests},
	}); err != nil {
		return err
	}
	return p.BindDevice()
}

// Check mounts the reference and target images without modifying them
// and compares the files a previous run copied.
func (p *Patcher) Check(ctx context.Context) error {
	return p.run(ctx, []step{
		{Scanning, p.scan},
		{MountingSource, p.mountSource},
		{MountingTargets, p.mountTargets},
		{Copying, p.verifyFiles},
	})
}

func (p *Patcher) run(ctx context.Context, steps []step) (err error) {
	if p.state != Idle {
		return fmt.Errorf("patcher already used (state %s)", p.state)
	}
	defer func() {
		p.state = Unmounting
		done := measure.Step(Unmounting.String())
		released := p.mounts.Release(ctx)
		done(fmt.Sprintf("released %d mounts", len(released)))
		if err != nil {
			p.state = Failed
			log.Printf("[%s] %v", p.state, err)
		} else {
			p.state = Done
		}
	}()
	for _, s := range steps {
		p.state = s.state
		if err := ctx.Err(); err != nil {
			return &StepError{State: s.state, Err: err}
		}
		done := measure.Step(s.state.String())
		if err := s.fn(ctx); err != nil {
			done("failed")
			return &StepError{State: s.state, Err: err}
		}
		done("done")
	}
	return nil
}

// BindDevice appends the bind mount for the GPS device to the container
// configuration.
func (p *Patcher) BindDevice() error {
	if _, err := lxcconfig.AppendBind(p.fs, p.cfg.LXCConfig, p.cfg.Device, p.cfg.Idempotent); err != nil {
		return fmt.Errorf("binding /dev/%s: %w", p.cfg.Device, err)
	}
	log.Printf("GPS/GNSS support enabled in Waydroid")
	return nil
}

func (p *Patcher) scan(ctx context.Context) error {
	if p.profile.Strategy != profile.Probe {
		log.Printf("profile %s mounts %s whole, not scanning", p.profile.Name, p.cfg.ReferenceImage)
		return nil
	}
	offsets, err := p.offsets.Offsets(ctx, p.cfg.ReferenceImage)
	if err != nil {
		return err
	}
	log.Printf("found %d partitions in %s", len(offsets), p.cfg.ReferenceImage)
	p.scanned = offsets
	return nil
}

func (p *Patcher) mountSource(ctx context.Context) error {
	if p.profile.Strategy == profile.Probe {
		return p.probe(ctx)
	}
	return p.mountChain(ctx)
}

// probe mounts the scanned partitions one at a time until one contains
// the profile's probe path.
func (p *Patcher) probe(ctx context.Context) error {
	target := p.mountPoint(referenceMount)
	for _, offset := range p.scanned {
		h, err := p.mounts.Mount(ctx, p.cfg.ReferenceImage, target, offset)
		if err != nil {
			return err
		}
		ok, err := afero.Exists(p.fs, filepath.Join(target, p.profile.ProbePath))
		if err != nil {
			return err
		}
		if ok {
			log.Printf("partition at offset %d contains %s", offset, p.profile.ProbePath)
			return nil
		}
		p.mounts.Unmount(ctx, h)
	}
	return &partition.ScanError{
		Image: p.cfg.ReferenceImage,
		Err:   fmt.Errorf("no partition contains %s", p.profile.ProbePath),
	}
}

// mountChain mounts image files found inside previously mounted images.
func (p *Patcher) mountChain(ctx context.Context) error {
	var parent string
	for i, layer := range p.profile.Chain {
		source := p.cfg.ReferenceImage
		if i > 0 {
			source = filepath.Join(parent, layer.Image)
		}
		target := p.mountPoint(referenceMount)
		if layer.Mount != "" {
			target = p.mountPoint(layer.Mount)
		}
		if _, err := p.mounts.Mount(ctx, source, target, layer.Offset); err != nil {
			return err
		}
		parent = target
	}
	return nil
}

func (p *Patcher) resizeTargets(ctx context.Context) error {
	for _, img := range []string{p.cfg.VendorImage, p.cfg.SystemImage} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.resizer.Grow(ctx, img); err != nil {
			return err
		}
	}
	return nil
}

func (p *Patcher) mountTargets(ctx context.Context) error {
	if _, err := p.mounts.Mount(ctx, p.cfg.VendorImage, p.mountPoint(vendorMount), 0); err != nil {
		return err
	}
	_, err := p.mounts.Mount(ctx, p.cfg.SystemImage, p.mountPoint(systemMount), 0)
	return err
}

// transfer is one file set copied from a source to a target directory.
type transfer struct {
	src, dst string
	paths    []string
}

func (p *Patcher) transfers() []transfer {
	ref := p.mountPoint(referenceMount)
	vendorSrc := filepath.Join(ref, p.profile.VendorSource)
	systemSrc := filepath.Join(ref, p.profile.SystemSource)
	vendorDst := p.vendorTarget()
	systemDst := p.systemTarget()
	return []transfer{
		{vendorSrc, vendorDst, p.profile.VendorFiles.VendorTarget},
		{systemSrc, vendorDst, p.profile.SystemFiles.VendorTarget},
		{systemSrc, systemDst, p.profile.SystemFiles.SystemTarget},
		{vendorSrc, systemDst, p.profile.VendorFiles.SystemTarget},
	}
}

func (p *Patcher) vendorTarget() string {
	return filepath.Join(p.mountPoint(vendorMount), p.profile.VendorTarget)
}

func (p *Patcher) systemTarget() string {
	return filepath.Join(p.mountPoint(systemMount), p.profile.SystemTarget)
}

func (p *Patcher) copyFiles(ctx context.Context) error {
	for _, t := range p.transfers() {
		if len(t.paths) == 0 {
			continue
		}
		var err error
		switch p.cfg.CopyPolicy {
		case CopyMode:
			err = p.provisioner.CopyWithMode(ctx, t.src, t.dst, t.paths)
		default:
			err = p.provisioner.CopyWithOwnership(ctx, t.src, t.dst, t.paths)
		}
		if err != nil {
			return err
		}
	}
	log.Printf("copied GNSS files to %s and %s", p.vendorTarget(), p.systemTarget())
	if p.cfg.Verify {
		return p.verifyFiles(ctx)
	}
	return nil
}

const verifyParallelism = 4

func (p *Patcher) verifyFiles(ctx context.Context) error {
	for _, t := range p.transfers() {
		if len(t.paths) == 0 {
			continue
		}
		if err := provision.Verify(ctx, t.src, t.dst, t.paths, verifyParallelism); err != nil {
			return err
		}
	}
	log.Printf("verified copied files")
	return nil
}

func (p *Patcher) patchManifests(ctx context.Context) error {
	vintfDir := filepath.Join(p.systemTarget(), "etc", "vintf")
	opts := vintf.Options{SkipIfPresent: p.cfg.Idempotent}
	for _, m := range []struct {
		file, fragment string
	}{
		{"compatibility_matrix.legacy.xml", compatibilityMatrixHAL},
		{"manifest.xml", manifestHAL},
	} {
		if _, err := vintf.Patch(p.fs, filepath.Join(vintfDir, m.file), m.fragment, opts); err != nil {
			return err
		}
	}
	buildProp := filepath.Join(p.systemTarget(), "build.prop")
	props := propfile.GPSProperties(p.cfg.Device, p.cfg.Baud)
	_, err := propfile.Append(p.fs, buildProp, props, p.cfg.Idempotent)
	return err
}
