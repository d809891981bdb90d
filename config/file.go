package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/KeckObservatory/mKTL/errors"
)

// saveBlock writes a block to the client cache tree atomically: the JSON
// is written to a temporary file in the target directory and renamed into
// place.
func saveBlock(block *Block) error {
	dir, err := ClientCacheDir(block.Name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o775); err != nil {
		return errors.Wrap(err, "config", "saveBlock", "cache directory creation")
	}

	raw, err := json.MarshalIndent(block, "", "  ")
	if err != nil {
		return errors.Wrap(err, "config", "saveBlock", "block serialization")
	}

	target := filepath.Join(dir, block.UUID+".json")
	return writeAtomic(target, append(raw, '\n'))
}

// removeBlockFile deletes the on-disk copy of a cached block. A missing
// file is not an error.
func removeBlockFile(store, uuid string) error {
	dir, err := ClientCacheDir(store)
	if err != nil {
		return err
	}

	err = os.Remove(filepath.Join(dir, uuid+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// loadCachedBlocks reads every block under client/cache. Individual files
// that fail to parse are skipped.
func loadCachedBlocks() ([]*Block, error) {
	base, err := Directory()
	if err != nil {
		return nil, err
	}

	root := filepath.Join(base, "client", "cache")

	stores, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "config", "loadCachedBlocks", "cache tree listing")
	}

	var blocks []*Block

	for _, storeDir := range stores {
		if !storeDir.IsDir() {
			continue
		}

		files, err := os.ReadDir(filepath.Join(root, storeDir.Name()))
		if err != nil {
			continue
		}

		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}

			raw, err := os.ReadFile(filepath.Join(root, storeDir.Name(), file.Name()))
			if err != nil {
				continue
			}

			block := &Block{}
			if err := json.Unmarshal(raw, block); err != nil {
				continue
			}

			if block.Name == "" {
				block.Name = storeDir.Name()
			}

			blocks = append(blocks, block)
		}
	}

	return blocks, nil
}

// LoadDescriptor reads an authoritative items descriptor and its UUID for
// the named daemon within a store. Descriptor files contain only the items
// mapping; the adjacent .uuid file holds the block identifier and is
// created on first use. The descriptor is validated against the item
// schema before it is returned.
func LoadDescriptor(store, name string) (map[string]Item, string, error) {
	dir, err := DaemonStoreDir(store)
	if err != nil {
		return nil, "", err
	}

	blockUUID, err := loadOrCreateUUID(filepath.Join(dir, name+".uuid"))
	if err != nil {
		return nil, "", err
	}

	raw, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if os.IsNotExist(err) {
		return nil, blockUUID, nil
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "config", "LoadDescriptor", "descriptor read")
	}

	items, err := ParseDescriptor(raw)
	if err != nil {
		return nil, "", err
	}

	return items, blockUUID, nil
}

// InstallDescriptor copies a descriptor file into the daemon store tree,
// superseding any cached copy under that name. The file is validated
// before installation.
func InstallDescriptor(store, name, source string) error {
	raw, err := os.ReadFile(source)
	if err != nil {
		return errors.Wrap(err, "config", "InstallDescriptor", "descriptor read")
	}

	if _, err := ParseDescriptor(raw); err != nil {
		return err
	}

	dir, err := DaemonStoreDir(store)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o775); err != nil {
		return errors.Wrap(err, "config", "InstallDescriptor", "store directory creation")
	}

	return writeAtomic(filepath.Join(dir, name+".json"), raw)
}

// ParseDescriptor validates and parses a raw items descriptor.
func ParseDescriptor(raw []byte) (map[string]Item, error) {
	if err := ValidateDescriptor(raw); err != nil {
		return nil, err
	}

	var items map[string]Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.WrapKind(err, errors.KindValue,
			"config", "ParseDescriptor", "descriptor parsing")
	}

	return items, nil
}

func loadOrCreateUUID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return strings.ToLower(strings.TrimSpace(string(raw))), nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "config", "loadOrCreateUUID", "uuid read")
	}

	fresh := strings.ToLower(uuid.NewString())

	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return "", errors.Wrap(err, "config", "loadOrCreateUUID", "store directory creation")
	}
	if err := writeAtomic(path, []byte(fresh+"\n")); err != nil {
		return "", err
	}

	return fresh, nil
}

// LoadPorts returns the REQ and PUB ports last used by the block with the
// given UUID, or zero when no cached value exists.
func LoadPorts(store, blockUUID string) (req, pub int) {
	dir, err := DaemonPortDir(store)
	if err != nil {
		return 0, 0
	}

	req = readPortFile(filepath.Join(dir, blockUUID+".req"))
	pub = readPortFile(filepath.Join(dir, blockUUID+".pub"))
	return req, pub
}

// SavePorts remembers the ports bound by a daemon for future restarts.
func SavePorts(store, blockUUID string, req, pub int) error {
	dir, err := DaemonPortDir(store)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0o775); err != nil {
		return errors.Wrap(err, "config", "SavePorts", "port directory creation")
	}

	if req > 0 {
		target := filepath.Join(dir, blockUUID+".req")
		if err := writeAtomic(target, []byte(strconv.Itoa(req)+"\n")); err != nil {
			return err
		}
	}

	if pub > 0 {
		target := filepath.Join(dir, blockUUID+".pub")
		if err := writeAtomic(target, []byte(strconv.Itoa(pub)+"\n")); err != nil {
			return err
		}
	}

	return nil
}

// UsedPorts returns every port previously assigned to a daemon on this
// host. Auto-assignment avoids these so a restarting daemon can reclaim
// its old port.
func UsedPorts() map[int]bool {
	ports := make(map[int]bool)

	base, err := Directory()
	if err != nil {
		return ports
	}

	root := filepath.Join(base, "daemon", "port")

	_ = filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if port := readPortFile(path); port > 0 {
			ports[port] = true
		}
		return nil
	})

	return ports
}

func readPortFile(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || port <= 0 {
		return 0
	}
	return port
}

// writeAtomic writes contents to a temporary file beside the target and
// renames it into place.
func writeAtomic(target string, contents []byte) error {
	dir := filepath.Dir(target)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "config", "writeAtomic", "temporary file creation")
	}

	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(contents); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "config", "writeAtomic", "write")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "config", "writeAtomic", "close")
	}

	if err := os.Chmod(tmpName, 0o664); err != nil {
		return errors.Wrap(err, "config", "writeAtomic", "permissions")
	}

	if err := os.Rename(tmpName, target); err != nil {
		return errors.Wrap(err, "config", "writeAtomic",
			fmt.Sprintf("rename to %s", target))
	}

	return nil
}
