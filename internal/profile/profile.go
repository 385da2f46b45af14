// Package profile describes the reference images GNSS files can be taken
// from: how to reach the partition holding them and which files go where.
package profile

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultName is the profile used when none is configured.
const DefaultName = "bliss"

// Strategy selects how the reference partition is mounted.
type Strategy string

const (
	// Probe mounts each partition of the reference image in turn and keeps
	// the first one containing ProbePath.
	Probe Strategy = "probe"

	// Nested mounts the image files of Chain inside each other.
	Nested Strategy = "nested"
)

// Layer is one step of a nested mount chain.
type Layer struct {
	// Image is relative to the mount point of the previous layer. It is
	// empty for the first layer, which mounts the reference image.
	Image string `yaml:"image"`

	Offset int64 `yaml:"offset"`

	// Mount names the mount point below the mount root. It is empty for
	// the last layer, which is mounted at the reference mount point.
	Mount string `yaml:"mount"`
}

// FileSet lists the files to copy from one source tree, split by the
// target partition they go to.
type FileSet struct {
	VendorTarget []string `yaml:"vendor_target"`
	SystemTarget []string `yaml:"system_target"`
}

// Profile is one reference image layout.
type Profile struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Strategy    Strategy `yaml:"strategy"`
	ProbePath   string   `yaml:"probe_path"`
	Chain       []Layer  `yaml:"chain"`

	VendorSource string `yaml:"vendor_source"`
	SystemSource string `yaml:"system_source"`
	VendorTarget string `yaml:"vendor_target"`
	SystemTarget string `yaml:"system_target"`

	VendorFiles FileSet `yaml:"vendor_files"`
	SystemFiles FileSet `yaml:"system_files"`
}

// Validate checks that the profile can be executed.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile without name")
	}
	switch p.Strategy {
	case Probe:
		if p.ProbePath == "" {
			return fmt.Errorf("profile %q: probe strategy requires probe_path", p.Name)
		}
	case Nested:
		if len(p.Chain) == 0 {
			return fmt.Errorf("profile %q: nested strategy requires a chain", p.Name)
		}
		if p.Chain[0].Image != "" {
			return fmt.Errorf("profile %q: first layer must mount the reference image", p.Name)
		}
		for i, l := range p.Chain[1:] {
			if l.Image == "" {
				return fmt.Errorf("profile %q: layer %d has no image", p.Name, i+1)
			}
		}
		for i, l := range p.Chain[:len(p.Chain)-1] {
			if l.Mount == "" {
				return fmt.Errorf("profile %q: layer %d has no mount point", p.Name, i)
			}
		}
		if p.Chain[len(p.Chain)-1].Mount != "" {
			return fmt.Errorf("profile %q: last layer is mounted at the reference mount point", p.Name)
		}
	default:
		return fmt.Errorf("profile %q: unknown strategy %q", p.Name, p.Strategy)
	}
	for _, dir := range []string{p.VendorSource, p.SystemSource, p.VendorTarget, p.SystemTarget} {
		if err := checkRelative(dir); err != nil {
			return fmt.Errorf("profile %q: %v", p.Name, err)
		}
	}
	for _, fs := range []FileSet{p.VendorFiles, p.SystemFiles} {
		for _, fn := range append(append([]string(nil), fs.VendorTarget...), fs.SystemTarget...) {
			if err := checkRelative(fn); err != nil {
				return fmt.Errorf("profile %q: %v", p.Name, err)
			}
		}
	}
	return nil
}

func checkRelative(p string) error {
	if p == "" {
		return nil
	}
	if filepath.IsAbs(p) {
		return fmt.Errorf("path %q must be relative", p)
	}
	if clean := filepath.Clean(p); clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q leaves its tree", p)
	}
	return nil
}

type file struct {
	Profiles []Profile `yaml:"profiles"`
}

// Decode reads a profiles document. Unknown keys are rejected.
func Decode(r io.Reader) ([]Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return f.Profiles, nil
}

//go:embed profiles.yaml
var builtinYAML []byte

// Set is a collection of uniquely named profiles.
type Set struct {
	byName map[string]*Profile
}

// NewSet validates profiles and indexes them by name.
func NewSet(profiles []Profile) (*Set, error) {
	s := &Set{byName: make(map[string]*Profile, len(profiles))}
	for i := range profiles {
		if err := s.add(&profiles[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Set) add(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, ok := s.byName[p.Name]; ok {
		return fmt.Errorf("profile %q defined more than once", p.Name)
	}
	s.byName[p.Name] = p
	return nil
}

// Builtin returns the profiles compiled into the binary.
func Builtin() (*Set, error) {
	profiles, err := Decode(bytes.NewReader(builtinYAML))
	if err != nil {
		return nil, fmt.Errorf("built-in profiles: %w", err)
	}
	return NewSet(profiles)
}

// Load returns the built-in profiles plus those defined in the YAML file
// at extraPath, if non-empty.
func Load(extraPath string) (*Set, error) {
	s, err := Builtin()
	if err != nil {
		return nil, err
	}
	if extraPath == "" {
		return s, nil
	}
	f, err := os.Open(extraPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	extra, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", extraPath, err)
	}
	for i := range extra {
		if err := s.add(&extra[i]); err != nil {
			return nil, fmt.Errorf("%s: %w", extraPath, err)
		}
	}
	return s, nil
}

// Lookup returns the profile called name.
func (s *Set) Lookup(name string) (*Profile, error) {
	p, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (known: %s)", name, strings.Join(s.Names(), ", "))
	}
	return p, nil
}

// Names returns the profile names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
