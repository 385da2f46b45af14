package patcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/waygps/tools/internal/hostcmd/hostcmdtest"
	"github.com/waygps/tools/internal/lxcconfig"
	"github.com/waygps/tools/internal/mount"
	"github.com/waygps/tools/internal/partition"
	"github.com/waygps/tools/internal/profile"
	"github.com/waygps/tools/internal/provision"
)

// fakeMounter creates the mount point and fills it with the files the
// image would contain. Unmounting leaves the files in place so that tests
// can inspect them.
type fakeMounter struct {
	contents func(source string, offset int64) map[string]string
	ops      []string
}

func (m *fakeMounter) Mount(ctx context.Context, source, target string, offset int64) error {
	m.ops = append(m.ops, fmt.Sprintf("mount %s %s %d", filepath.Base(source), filepath.Base(target), offset))
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	if m.contents == nil {
		return nil
	}
	for rel, content := range m.contents(filepath.Base(source), offset) {
		fn := filepath.Join(target, rel)
		if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(fn, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMounter) Unmount(ctx context.Context, target string) error {
	m.ops = append(m.ops, "umount "+filepath.Base(target))
	return nil
}

type fakeOffsets []int64

func (f fakeOffsets) Offsets(ctx context.Context, image string) ([]int64, error) {
	if len(f) == 0 {
		return nil, &partition.ScanError{Image: image, Err: partition.ErrNoPartitions}
	}
	return f, nil
}

type fakeResizer struct {
	grown []string
	hook  func() error
}

func (r *fakeResizer) Grow(ctx context.Context, image string) error {
	r.grown = append(r.grown, filepath.Base(image))
	if r.hook != nil {
		return r.hook()
	}
	return nil
}

// modeAttrs applies modes for real and ignores ownership, which would
// require root.
type modeAttrs struct{}

func (modeAttrs) Chmod(path string, mode os.FileMode) error { return os.Chmod(path, mode) }
func (modeAttrs) Chown(path string, uid, gid int) error     { return nil }

type nopLabeler struct{}

func (nopLabeler) Label(ctx context.Context, path, label string) error { return nil }

func testProvisioner() *provision.Provisioner {
	return &provision.Provisioner{Attrs: modeAttrs{}, Labeler: nopLabeler{}}
}

const (
	emptyMatrix   = `<compatibility-matrix version="1.0" type="device"></compatibility-matrix>`
	emptyManifest = `<manifest version="1.0" type="device"></manifest>`
	lineageOffset = 2048 * 512
)

var gnssFiles = map[string]string{
	"bin/hw/android.hardware.gnss@1.0-service":      "service",
	"etc/init/android.hardware.gnss@1.0-service.rc": "service gnss /vendor/bin/hw/android.hardware.gnss@1.0-service",
	"lib/hw/android.hardware.gnss@1.0-impl.so":      "impl32",
	"lib64/hw/android.hardware.gnss@1.0-impl.so":    "impl64",
	"lib/hw/gps.default.so":                         "gps32",
	"lib64/hw/gps.default.so":                       "gps64",
}

var waydroidSystem = map[string]string{
	"system/etc/vintf/compatibility_matrix.legacy.xml": emptyMatrix,
	"system/etc/vintf/manifest.xml":                    emptyManifest,
	"system/build.prop":                                "ro.build.version.sdk=30\n",
}

// lineageImages lays out a reference image whose second partition holds
// the GNSS files.
func lineageImages(source string, offset int64) map[string]string {
	switch {
	case source == "reference.img" && offset == lineageOffset:
		return gnssFiles
	case source == "system.img":
		return waydroidSystem
	}
	return nil
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		ReferenceImage: filepath.Join(dir, "reference.img"),
		VendorImage:    filepath.Join(dir, "vendor.img"),
		SystemImage:    filepath.Join(dir, "system.img"),
		MountRoot:      filepath.Join(dir, "mnt"),
		LXCConfig:      filepath.Join(dir, "config_nodes"),
	}
}

func lookup(t *testing.T, name string) *profile.Profile {
	t.Helper()
	s, err := profile.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Lookup(name)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func readFile(t *testing.T, fn string) string {
	t.Helper()
	b, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRunLineage(t *testing.T) {
	cfg := testConfig(t)
	mounter := &fakeMounter{contents: lineageImages}
	resizer := &fakeResizer{}
	p, err := New(cfg, lookup(t, "lineage"), Deps{
		Offsets:     fakeOffsets{1024 * 512, lineageOffset},
		Mounter:     mounter,
		Resizer:     resizer,
		Provisioner: testProvisioner(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := p.State(), Done; got != want {
		t.Errorf("State = %v; want %v", got, want)
	}

	wantOps := []string{
		"mount reference.img reference_image 524288",
		"umount reference_image",
		"mount reference.img reference_image 1048576",
		"mount vendor.img waydroid_vendor 0",
		"mount system.img waydroid_system 0",
		"umount waydroid_system",
		"umount waydroid_vendor",
		"umount reference_image",
	}
	if diff := cmp.Diff(wantOps, mounter.ops); diff != "" {
		t.Errorf("unexpected mount operations (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"vendor.img", "system.img"}, resizer.grown); diff != "" {
		t.Errorf("unexpected resizes (-want +got):\n%s", diff)
	}

	vendor := filepath.Join(cfg.MountRoot, "waydroid_vendor")
	system := filepath.Join(cfg.MountRoot, "waydroid_system", "system")
	if got, want := readFile(t, filepath.Join(vendor, "bin/hw/android.hardware.gnss@1.0-service")), "service"; got != want {
		t.Errorf("vendor service: got %q; want %q", got, want)
	}
	for _, rel := range []string{
		"etc/init/android.hardware.gnss@1.0-service.rc",
		"lib/hw/android.hardware.gnss@1.0-impl.so",
		"lib64/hw/android.hardware.gnss@1.0-impl.so",
		"lib/hw/gps.default.so",
		"lib64/hw/gps.default.so",
	} {
		if got, want := readFile(t, filepath.Join(system, rel)), gnssFiles[rel]; got != want {
			t.Errorf("%s: got %q; want %q", rel, got, want)
		}
	}

	if matrix := readFile(t, filepath.Join(system, "etc/vintf/compatibility_matrix.legacy.xml")); !strings.Contains(matrix, "<name>IGnss</name>") {
		t.Errorf("compatibility matrix not patched:\n%s", matrix)
	}
	if manifest := readFile(t, filepath.Join(system, "etc/vintf/manifest.xml")); !strings.Contains(manifest, "<fqname>@1.0::IGnss/default</fqname>") {
		t.Errorf("manifest not patched:\n%s", manifest)
	}
	wantProp := "ro.build.version.sdk=30\n\nro.factory.hasGPS=true\nro.kernel.android.gps=ttyGPSD\nro.kernel.android.gps.speed=57600\n"
	if diff := cmp.Diff(wantProp, readFile(t, filepath.Join(system, "build.prop"))); diff != "" {
		t.Errorf("build.prop: diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(lxcconfig.Entry("ttyGPSD")+"\n", readFile(t, cfg.LXCConfig)); diff != "" {
		t.Errorf("config_nodes: diff (-want +got):\n%s", diff)
	}
}

func TestRunSingleVendorFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.CopyPolicy = CopyMode
	prof := &profile.Profile{
		Name:         "minimal",
		Strategy:     profile.Probe,
		ProbePath:    "bin",
		VendorFiles:  profile.FileSet{VendorTarget: []string{"bin/hw/svc"}},
		VendorTarget: ".",
		SystemTarget: "system",
	}
	mounter := &fakeMounter{contents: func(source string, offset int64) map[string]string {
		switch source {
		case "reference.img":
			return map[string]string{"bin/hw/svc": "#!/system/bin/sh\n"}
		case "system.img":
			return waydroidSystem
		}
		return nil
	}}
	p, err := New(cfg, prof, Deps{
		Offsets:     fakeOffsets{lineageOffset},
		Mounter:     mounter,
		Resizer:     &fakeResizer{},
		Provisioner: testProvisioner(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	vendor := filepath.Join(cfg.MountRoot, "waydroid_vendor")
	var files []string
	err = filepath.WalkDir(vendor, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(vendor, path)
			if err != nil {
				return err
			}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"bin/hw/svc"}, files); diff != "" {
		t.Errorf("vendor target contents (-want +got):\n%s", diff)
	}
	fi, err := os.Stat(filepath.Join(vendor, "bin/hw/svc"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fi.Mode().Perm(), provision.Mode; got != want {
		t.Errorf("mode = %v; want %v", got, want)
	}
}

func emptyMountinfo(t *testing.T) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "mountinfo")
	if err := os.WriteFile(fn, nil, 0644); err != nil {
		t.Fatal(err)
	}
	return fn
}

func TestRunCopyFailureLeavesNoMounts(t *testing.T) {
	cfg := testConfig(t)
	runner := &hostcmdtest.Fake{}
	p, err := New(cfg, lookup(t, "bliss"), Deps{
		Mounter:     &mount.LoopMounter{Runner: runner, Mountinfo: emptyMountinfo(t)},
		Resizer:     &fakeResizer{},
		Provisioner: testProvisioner(),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("Run: got %v; want *StepError", err)
	}
	if se.State != Copying {
		t.Errorf("failed in %v; want %v", se.State, Copying)
	}
	var ce *provision.CopyError
	if !errors.As(err, &ce) {
		t.Errorf("Run: got %v; want a *provision.CopyError", err)
	}
	if got, want := p.State(), Failed; got != want {
		t.Errorf("State = %v; want %v", got, want)
	}

	entries, err := os.ReadDir(cfg.MountRoot)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("mount points left behind: %v", names)
	}

	root := cfg.MountRoot
	want := []string{
		"mount -o rw " + cfg.ReferenceImage + " " + root + "/main_image",
		"mount -o rw " + root + "/main_image/system.sfs " + root + "/sfs",
		"mount -o rw " + root + "/sfs/system.img " + root + "/reference_image",
		"mount -o rw " + cfg.VendorImage + " " + root + "/waydroid_vendor",
		"mount -o rw " + cfg.SystemImage + " " + root + "/waydroid_system",
		"umount " + root + "/waydroid_system",
		"umount " + root + "/waydroid_vendor",
		"umount " + root + "/reference_image",
		"umount " + root + "/sfs",
		"umount " + root + "/main_image",
	}
	if diff := cmp.Diff(want, runner.Commands()); diff != "" {
		t.Errorf("unexpected commands (-want +got):\n%s", diff)
	}
}

func TestRunProbeWithoutMatch(t *testing.T) {
	cfg := testConfig(t)
	mounter := &fakeMounter{}
	resizer := &fakeResizer{}
	p, err := New(cfg, lookup(t, "lineage"), Deps{
		Offsets:     fakeOffsets{1024 * 512, lineageOffset},
		Mounter:     mounter,
		Resizer:     resizer,
		Provisioner: testProvisioner(),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())
	var scanErr *partition.ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("Run: got %v; want *partition.ScanError", err)
	}
	if len(resizer.grown) != 0 {
		t.Errorf("images resized after a failed probe: %v", resizer.grown)
	}
	wantOps := []string{
		"mount reference.img reference_image 524288",
		"umount reference_image",
		"mount reference.img reference_image 1048576",
		"umount reference_image",
	}
	if diff := cmp.Diff(wantOps, mounter.ops); diff != "" {
		t.Errorf("unexpected mount operations (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(cfg.LXCConfig); !os.IsNotExist(err) {
		t.Errorf("device bound after a failed run")
	}
}

func TestRunNoPartitions(t *testing.T) {
	p, err := New(testConfig(t), lookup(t, "lineage"), Deps{
		Offsets:     fakeOffsets{},
		Mounter:     &fakeMounter{},
		Resizer:     &fakeResizer{},
		Provisioner: testProvisioner(),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(context.Background())
	var se *StepError
	if !errors.As(err, &se) || se.State != Scanning {
		t.Fatalf("Run: got %v; want failure while scanning", err)
	}
	if !errors.Is(err, partition.ErrNoPartitions) {
		t.Errorf("Run: got %v; want %v", err, partition.ErrNoPartitions)
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mounter := &fakeMounter{contents: lineageImages}
	p, err := New(cfg, lookup(t, "lineage"), Deps{
		Offsets: fakeOffsets{lineageOffset},
		Mounter: mounter,
		Resizer: &fakeResizer{hook: func() error {
			cancel() // interrupt arrives while resize2fs runs
			return nil
		}},
		Provisioner: testProvisioner(),
	})
	if err != nil {
		t.Fatal(err)
	}
	err = p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: got %v; want context.Canceled", err)
	}
	wantOps := []string{
		"mount reference.img reference_image 1048576",
		"umount reference_image",
	}
	if diff := cmp.Diff(wantOps, mounter.ops); diff != "" {
		t.Errorf("unexpected mount operations (-want +got):\n%s", diff)
	}
	if got, want := p.State(), Failed; got != want {
		t.Errorf("State = %v; want %v", got, want)
	}
}

func TestRunIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Idempotent = true
	for i := 0; i < 2; i++ {
		p, err := New(cfg, lookup(t, "lineage"), Deps{
			Offsets:     fakeOffsets{lineageOffset},
			Mounter:     &fakeMounter{contents: lineageImagesOnce(i)},
			Resizer:     &fakeResizer{},
			Provisioner: testProvisioner(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	system := filepath.Join(cfg.MountRoot, "waydroid_system", "system")
	if got := strings.Count(readFile(t, filepath.Join(system, "etc/vintf/manifest.xml")), "android.hardware.gnss"); got != 1 {
		t.Errorf("manifest declares the GNSS HAL %d times; want 1", got)
	}
	if got := strings.Count(readFile(t, filepath.Join(system, "build.prop")), "ro.factory.hasGPS"); got != 1 {
		t.Errorf("build.prop sets ro.factory.hasGPS %d times; want 1", got)
	}
	if got := strings.Count(readFile(t, cfg.LXCConfig), "lxc.mount.entry"); got != 1 {
		t.Errorf("config_nodes has %d entries; want 1", got)
	}
}

// lineageImagesOnce only provides the Waydroid system image contents on
// the first run; later runs see what the first one wrote.
func lineageImagesOnce(run int) func(string, int64) map[string]string {
	return func(source string, offset int64) map[string]string {
		if source == "system.img" && run > 0 {
			return nil
		}
		return lineageImages(source, offset)
	}
}

func TestCheck(t *testing.T) {
	cfg := testConfig(t)
	run, err := New(cfg, lookup(t, "lineage"), Deps{
		Offsets:     fakeOffsets{lineageOffset},
		Mounter:     &fakeMounter{contents: lineageImages},
		Resizer:     &fakeResizer{},
		Provisioner: testProvisioner(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := run.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	check := func() error {
		resizer := &fakeResizer{}
		p, err := New(cfg, lookup(t, "lineage"), Deps{
			Offsets:     fakeOffsets{lineageOffset},
			Mounter:     &fakeMounter{contents: lineageImagesOnce(1)},
			Resizer:     resizer,
			Provisioner: testProvisioner(),
		})
		if err != nil {
			t.Fatal(err)
		}
		err = p.Check(context.Background())
		if len(resizer.grown) != 0 {
			t.Errorf("Check resized images: %v", resizer.grown)
		}
		return err
	}
	if err := check(); err != nil {
		t.Fatalf("Check after Run: %v", err)
	}

	corrupt := filepath.Join(cfg.MountRoot, "waydroid_system", "system", "lib64/hw/gps.default.so")
	if err := os.WriteFile(corrupt, []byte("stale"), 0755); err != nil {
		t.Fatal(err)
	}
	var ce *provision.CopyError
	if err := check(); !errors.As(err, &ce) {
		t.Errorf("Check after corruption: got %v; want *provision.CopyError", err)
	}
}

func TestRunTwice(t *testing.T) {
	p, err := New(testConfig(t), lookup(t, "lineage"), Deps{
		Offsets:     fakeOffsets{},
		Mounter:     &fakeMounter{},
		Resizer:     &fakeResizer{},
		Provisioner: testProvisioner(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run unexpectedly succeeded")
	}
	if err := p.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "already used") {
		t.Errorf("second Run: got %v; want an already used error", err)
	}
}

func TestNewRequiresReferenceImage(t *testing.T) {
	if _, err := New(Config{}, lookup(t, "bliss"), Deps{}); err == nil {
		t.Error("New without reference image unexpectedly succeeded")
	}
}

func TestStateString(t *testing.T) {
	for _, tt := range []struct {
		s    State
		want string
	}{
		{Scanning, "scanning"},
		{PatchingManifests, "patching manifests"},
		{Failed, "failed"},
		{State(42), "State(42)"},
	} {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q; want %q", int(tt.s), got, tt.want)
		}
	}
}
