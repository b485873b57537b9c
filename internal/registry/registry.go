// Package registry reads the namespace registry written by the provisioner.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/p-arndt/tunnelbench/internal/failure"
)

// Descriptor is one provisioned namespace. The JSON keys are the ones the
// provisioner writes.
type Descriptor struct {
	Name              string `json:"nsName"`
	HostLinkName      string `json:"vethHost"`
	NamespaceLinkName string `json:"vethNs"`
}

// Load returns the descriptors in file order. A missing file yields an empty
// slice; anything unparseable is a RegistryCorrupt failure.
func Load(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Descriptor{}, nil
		}
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	if strings.TrimSpace(string(data)) == "" {
		return nil, corrupt(path, errors.New("empty file"))
	}

	var descs []Descriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, corrupt(path, err)
	}

	seen := make(map[string]int, len(descs))
	for i, d := range descs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, corrupt(path, fmt.Errorf("entry %d has no namespace name", i))
		}
		if prev, ok := seen[d.Name]; ok {
			return nil, corrupt(path, fmt.Errorf("namespace %q listed at %d and %d", d.Name, prev, i))
		}
		seen[d.Name] = i
	}
	if descs == nil {
		descs = []Descriptor{}
	}
	return descs, nil
}

func corrupt(path string, err error) error {
	return failure.New(failure.RegistryCorrupt, "", fmt.Errorf("%s: %w", path, err))
}
