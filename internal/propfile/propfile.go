// Package propfile appends properties to Android build.prop style files.
package propfile

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ConfigWriteError is returned when a configuration file cannot be read
// or appended to.
type ConfigWriteError struct {
	Path string
	Err  error
}

func (e *ConfigWriteError) Error() string {
	return fmt.Sprintf("writing %s: %v", e.Path, e.Err)
}

func (e *ConfigWriteError) Unwrap() error { return e.Err }

// Property is one key=value line.
type Property struct {
	Key   string
	Value string
}

func (p Property) String() string { return p.Key + "=" + p.Value }

// GPSProperties returns the properties which make Android's legacy GPS HAL
// open device (a name below /dev) at the given baud rate.
func GPSProperties(device string, baud int) []Property {
	return []Property{
		{Key: "ro.factory.hasGPS", Value: "true"},
		{Key: "ro.kernel.android.gps", Value: device},
		{Key: "ro.kernel.android.gps.speed", Value: strconv.Itoa(baud)},
	}
}

// Append adds props to the end of the file at path, preceded by a newline
// in case the file does not end in one. Existing lines are never rewritten.
//
// With skipPresent, nothing is written when every key is already set; a
// partially patched file is an error, as appending would define keys twice.
// It reports whether the file was changed.
func Append(fs afero.Fs, path string, props []Property, skipPresent bool) (bool, error) {
	if skipPresent {
		present, err := keysPresent(fs, path, props)
		if err != nil {
			return false, &ConfigWriteError{Path: path, Err: err}
		}
		switch present {
		case len(props):
			log.Printf("%s already sets %s, skipping", path, props[0].Key)
			return false, nil
		case 0:
		default:
			return false, &ConfigWriteError{Path: path, Err: fmt.Errorf("only %d of %d properties present", present, len(props))}
		}
	}

	var b strings.Builder
	b.WriteString("\n")
	for _, p := range props {
		b.WriteString(p.String())
		b.WriteString("\n")
	}
	if err := appendString(fs, path, b.String()); err != nil {
		return false, &ConfigWriteError{Path: path, Err: err}
	}
	log.Printf("appended %d properties to %s", len(props), path)
	return true, nil
}

func appendString(fs afero.Fs, path, s string) error {
	f, err := fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(s); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// keysPresent counts how many of props' keys are assigned in path.
// A missing file has none.
func keysPresent(fs afero.Fs, path string, props []Property) (int, error) {
	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	want := make(map[string]bool, len(props))
	for _, p := range props {
		want[p.Key] = true
	}
	found := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); want[key] {
			found[key] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return len(found), nil
}
