package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/KeckObservatory/mKTL/errors"
)

var (
	homeMu       sync.Mutex
	homeResolved string
)

// Directory returns the root directory for all mKTL on-disk state. The
// first call resolves it from MKTL_HOME, falling back to $HOME/.mKTL, and
// creates it if necessary; once resolved it is immutable for the process's
// lifetime.
func Directory() (string, error) {
	homeMu.Lock()
	defer homeMu.Unlock()

	if homeResolved != "" {
		return homeResolved, nil
	}

	found := os.Getenv("MKTL_HOME")

	if found == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "", errors.Wrap(
				fmt.Errorf("MKTL_HOME and HOME environment variables not set"),
				"config", "Directory", "cache root resolution")
		}
		found = filepath.Join(home, ".mKTL")
	}

	if err := os.MkdirAll(found, 0o775); err != nil {
		return "", errors.Wrap(err, "config", "Directory", "cache root creation")
	}

	homeResolved = found
	return homeResolved, nil
}

// SetDirectory pins the cache root to an explicit absolute path. It must
// be called before the first Directory resolution; afterwards the root is
// immutable and SetDirectory fails.
func SetDirectory(path string) error {
	if !filepath.IsAbs(path) {
		return errors.New(errors.KindValue, "the cache root must be an absolute path")
	}

	homeMu.Lock()
	defer homeMu.Unlock()

	if homeResolved != "" && homeResolved != path {
		return errors.Newf(errors.KindValue,
			"cache root already resolved to %s", homeResolved)
	}

	if err := os.MkdirAll(path, 0o775); err != nil {
		return errors.Wrap(err, "config", "SetDirectory", "cache root creation")
	}

	homeResolved = path
	return nil
}

// resetDirectory clears the resolved root. Tests only.
func resetDirectory() {
	homeMu.Lock()
	defer homeMu.Unlock()
	homeResolved = ""
}

// ClientCacheDir returns the directory holding cached blocks for a store.
func ClientCacheDir(store string) (string, error) {
	base, err := Directory()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "client", "cache", store), nil
}

// DaemonStoreDir returns the directory holding authoritative item
// descriptors for a store.
func DaemonStoreDir(store string) (string, error) {
	base, err := Directory()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "daemon", "store", store), nil
}

// DaemonPortDir returns the directory remembering the ports last used by a
// store's daemons.
func DaemonPortDir(store string) (string, error) {
	base, err := Directory()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "daemon", "port", store), nil
}

// DaemonPersistDir returns the directory holding persistent item values
// for a block UUID.
func DaemonPersistDir(uuid string) (string, error) {
	base, err := Directory()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "daemon", "persist", uuid), nil
}

// ClientDir returns the directory holding client-side bookkeeping such as
// the remembered registry addresses.
func ClientDir() (string, error) {
	base, err := Directory()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "client"), nil
}
