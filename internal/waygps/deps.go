package waygps

import (
	"github.com/spf13/afero"
	"github.com/waygps/tools/internal/config"
	"github.com/waygps/tools/internal/hostcmd"
	"github.com/waygps/tools/internal/mount"
	"github.com/waygps/tools/internal/partition"
	"github.com/waygps/tools/internal/patcher"
	"github.com/waygps/tools/internal/profile"
	"github.com/waygps/tools/internal/provision"
	"github.com/waygps/tools/internal/resize"
)

// host wires the patcher to the real system. Its fields are replaced in
// tests; nil euid and reexec mean the real process.
type host struct {
	runner hostcmd.Runner
	fs     afero.Fs
	euid   func() int
	reexec func() error
}

func newHost() *host {
	return &host{
		runner: &hostcmd.Exec{},
		fs:     afero.NewOsFs(),
	}
}

// ensureRoot re-runs waygps through sudo if cfg allows it and the process
// is not root. If it returns true, the re-executed waygps did the work.
func (h *host) ensureRoot(cfg *config.Struct) (bool, error) {
	return hostcmd.Elevation{
		Mode:   cfg.Sudo,
		Euid:   h.euid,
		Reexec: h.reexec,
	}.Ensure()
}

func (h *host) offsetSource(cfg *config.Struct) partition.Source {
	if cfg.Offsets == config.OffsetsDiskfs {
		return partition.DiskfsSource{}
	}
	return &partition.FdiskSource{Runner: h.runner}
}

func (h *host) labeler(cfg *config.Struct) provision.Labeler {
	if cfg.Label == config.LabelXattr {
		return provision.XattrLabeler{}
	}
	return &provision.ChconLabeler{Runner: h.runner}
}

func (h *host) patcher(cfg *config.Struct) (*patcher.Patcher, error) {
	profiles, err := profile.Load(cfg.ProfilesFile)
	if err != nil {
		return nil, err
	}
	prof, err := profiles.Lookup(cfg.Profile)
	if err != nil {
		return nil, err
	}
	return patcher.New(cfg.PatcherConfig(), prof, patcher.Deps{
		Offsets: h.offsetSource(cfg),
		Mounter: &mount.LoopMounter{Runner: h.runner},
		Resizer: &resize.Resizer{
			Runner:      h.runner,
			HeadroomMiB: cfg.HeadroomMiB,
			Strict:      cfg.StrictStderr,
		},
		Provisioner: &provision.Provisioner{
			Attrs:   provision.HostAttrs{},
			Labeler: h.labeler(cfg),
		},
		Fs: h.fs,
	})
}
