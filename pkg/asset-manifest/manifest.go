package manifest

import (
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the ordered list of relative asset URLs to pre-cache on install.
type Manifest []string

// Load reads a manifest file.
// The file is a YAML list, so a JSON array of strings works as well.
func Load(filename string) (Manifest, error) {
	manifestBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(manifestBytes)
}

// Parse decodes a manifest and validates its entries.
func Parse(b []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse asset manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every entry is a parsable, non-empty URL reference.
func (m Manifest) Validate() error {
	for i, entry := range m {
		if entry == "" {
			return fmt.Errorf("asset manifest entry %d is empty", i)
		}
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("asset manifest entry %d: %w", i, err)
		}
	}
	return nil
}

// Resolve returns the absolute URLs of the assets, in manifest order.
func (m Manifest) Resolve(origin *url.URL) ([]*url.URL, error) {
	urls := make([]*url.URL, 0, len(m))
	for _, entry := range m {
		ref, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("resolve asset %s: %w", entry, err)
		}
		u := origin.ResolveReference(ref)
		u.Fragment = ""
		u.RawFragment = ""
		urls = append(urls, u)
	}
	return urls, nil
}
