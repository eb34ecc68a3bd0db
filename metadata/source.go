package metadata

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Source loads metadata snapshots from the metadata collaborator.
type Source interface {
	Load(ctx context.Context) (*DriverMetadata, error)
}

// FileSource reads a YAML metadata document from disk.
type FileSource struct {
	Path string
}

// NewFileSource creates a source for the given file.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load reads and decodes the metadata file.
func (f *FileSource) Load(ctx context.Context) (*DriverMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	md, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", f.Path, err)
	}
	return md, nil
}

type pointDoc struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Unit      string   `yaml:"unit"`
	Base      float64  `yaml:"base"`
	Multiple  *float64 `yaml:"multiple"`
	Format    *int     `yaml:"format"`
	Minimum   *float64 `yaml:"minimum"`
	Maximum   *float64 `yaml:"maximum"`
	Transform string   `yaml:"transform"`
}

type profileDoc struct {
	Name   string              `yaml:"name"`
	Points map[string]pointDoc `yaml:"points"`
}

type deviceDoc struct {
	Name       string                `yaml:"name"`
	Multi      bool                  `yaml:"multi"`
	Status     string                `yaml:"status"`
	Profiles   []string              `yaml:"profiles"`
	Attributes Attributes            `yaml:"attributes"`
	Points     map[string]Attributes `yaml:"points"`
}

type document struct {
	Profiles map[string]profileDoc `yaml:"profiles"`
	Devices  map[string]deviceDoc  `yaml:"devices"`
}

// Decode parses a metadata document.
func Decode(raw []byte) (*DriverMetadata, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	md := NewDriverMetadata()
	for profileID, profile := range doc.Profiles {
		points := make(map[string]Point, len(profile.Points))
		for pointID, p := range profile.Points {
			typ, err := ParseValueType(p.Type)
			if err != nil {
				return nil, fmt.Errorf("profile %s point %s: %w", profileID, pointID, err)
			}
			point := Point{
				ID:        pointID,
				ProfileID: profileID,
				Name:      p.Name,
				Type:      typ,
				Unit:      p.Unit,
				Base:      p.Base,
				Multiple:  1,
				Format:    -1,
				Minimum:   p.Minimum,
				Maximum:   p.Maximum,
				Transform: p.Transform,
			}
			if p.Multiple != nil {
				point.Multiple = *p.Multiple
			}
			if p.Format != nil {
				point.Format = *p.Format
			}
			points[pointID] = point
		}
		md.ProfilePoints[profileID] = points
	}
	for deviceID, d := range doc.Devices {
		status, err := ParseDeviceStatus(d.Status)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", deviceID, err)
		}
		for _, profileID := range d.Profiles {
			if _, ok := md.ProfilePoints[profileID]; !ok {
				return nil, fmt.Errorf("device %s: unknown profile %s", deviceID, profileID)
			}
		}
		md.Devices[deviceID] = Device{
			ID:         deviceID,
			Name:       d.Name,
			ProfileIDs: d.Profiles,
			Multi:      d.Multi,
			Status:     status,
		}
		if d.Attributes != nil {
			md.DeviceAttributes[deviceID] = d.Attributes
		}
		if len(d.Points) > 0 {
			md.PointAttributes[deviceID] = d.Points
		}
	}
	return md, nil
}
