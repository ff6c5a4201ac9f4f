package vina

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/DocSRV/docsrv/internal/atomicfile"
)

// SitesFile is the registry file name inside a receptor-ligand directory.
const SitesFile = "sites.json"

// Site is a labeled binding site.
type Site struct {
	Label   string  `json:"label"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	CenterZ float64 `json:"center_z"`
}

// SiteRegistry maps search space centers of one receptor-ligand pair to
// stable labels, so repeated runs against a site share a directory.
type SiteRegistry struct {
	Sites []Site `json:"sites"`
}

// LoadSites reads the registry stored in dir. A missing file yields an empty registry.
func LoadSites(dir string) (*SiteRegistry, error) {
	b, err := os.ReadFile(filepath.Join(dir, SitesFile))
	if errors.Is(err, os.ErrNotExist) {
		return &SiteRegistry{Sites: []Site{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading site registry: %w", err)
	}
	var reg SiteRegistry
	if err := json.Unmarshal(b, &reg); err != nil {
		return nil, fmt.Errorf("decoding site registry %s: %w", dir, err)
	}
	if reg.Sites == nil {
		reg.Sites = []Site{}
	}
	return &reg, nil
}

// Save replaces the registry file in dir, creating dir when needed.
func (r *SiteRegistry) Save(dir string) error {
	reg := *r
	if reg.Sites == nil {
		reg.Sites = []Site{}
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(filepath.Join(dir, SitesFile), b)
}

// Lookup returns the label of the site at center.
func (r *SiteRegistry) Lookup(center Vec3) (string, bool) {
	for _, s := range r.Sites {
		if s.CenterX == center.X && s.CenterY == center.Y && s.CenterZ == center.Z {
			return s.Label, true
		}
	}
	return "", false
}

// Label returns the label of the site at center, registering a new
// "AS<n+1>" site when the coordinates are unknown.
func (r *SiteRegistry) Label(center Vec3) string {
	if label, ok := r.Lookup(center); ok {
		return label
	}
	var label string
	for n := len(r.Sites) + 1; ; n++ {
		label = "AS" + strconv.Itoa(n)
		if !r.hasLabel(label) {
			break
		}
	}
	r.Sites = append(r.Sites, Site{
		Label:   label,
		CenterX: center.X,
		CenterY: center.Y,
		CenterZ: center.Z,
	})
	return label
}

func (r *SiteRegistry) hasLabel(label string) bool {
	for _, s := range r.Sites {
		if s.Label == label {
			return true
		}
	}
	return false
}
