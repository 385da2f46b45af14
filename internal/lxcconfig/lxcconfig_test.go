package lxcconfig

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/waygps/tools/internal/propfile"
)

const existing = "lxc.mount.entry = /dev/ashmem dev/ashmem none bind,create=file,optional 0 0\n"

func TestEntry(t *testing.T) {
	got := Entry("ttyGPSD")
	want := "lxc.mount.entry = /dev/ttyGPSD dev/ttyGPSD none bind,create=file,optional 0 0"
	if got != want {
		t.Errorf("Entry = %q; want %q", got, want)
	}
}

func TestAppendBind(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, DefaultPath, []byte(existing), 0644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := AppendBind(fs, DefaultPath, "ttyGPSD", false); err != nil {
			t.Fatal(err)
		}
	}
	b, err := afero.ReadFile(fs, DefaultPath)
	if err != nil {
		t.Fatal(err)
	}
	want := existing + Entry("ttyGPSD") + "\n" + Entry("ttyGPSD") + "\n"
	if diff := cmp.Diff(want, string(b)); diff != "" {
		t.Errorf("config_nodes: diff (-want +got):\n%s", diff)
	}
}

func TestAppendBindSkipPresent(t *testing.T) {
	fs := afero.NewMemMapFs()
	for i, want := range []bool{true, false} {
		changed, err := AppendBind(fs, DefaultPath, "ttyGPSD", true)
		if err != nil {
			t.Fatal(err)
		}
		if changed != want {
			t.Errorf("call %d: changed = %v; want %v", i, changed, want)
		}
	}
	b, err := afero.ReadFile(fs, DefaultPath)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), Entry("ttyGPSD")+"\n"; got != want {
		t.Errorf("got %q; want %q", got, want)
	}
}

func TestAppendBindReadOnly(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	_, err := AppendBind(fs, DefaultPath, "ttyGPSD", false)
	var cwe *propfile.ConfigWriteError
	if !errors.As(err, &cwe) {
		t.Fatalf("got %v; want *propfile.ConfigWriteError", err)
	}
}
