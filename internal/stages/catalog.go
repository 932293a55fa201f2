package stages

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// catalogStage is the file representation of a stage. IsActive is a pointer
// so that an omitted flag defaults to active.
type catalogStage struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Goal        string `mapstructure:"goal"`
	Order       int    `mapstructure:"order"`
	IsActive    *bool  `mapstructure:"is_active"`
}

type catalogFile struct {
	Stages []catalogStage `mapstructure:"stages"`
}

// LoadFile reads a stage catalog from a yaml, json or toml file.
func LoadFile(path string) ([]Stage, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read stage catalog %s: %w", path, err)
	}
	return decodeCatalog(v)
}

// DefaultCatalog returns the built-in stage catalog used when the store has
// no stages and no catalog file is configured.
func DefaultCatalog() ([]Stage, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultCatalog)); err != nil {
		return nil, fmt.Errorf("read default stage catalog: %w", err)
	}
	return decodeCatalog(v)
}

func decodeCatalog(v *viper.Viper) ([]Stage, error) {
	var f catalogFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode stage catalog: %w", err)
	}
	if len(f.Stages) == 0 {
		return nil, ErrEmptyLedger
	}

	out := make([]Stage, 0, len(f.Stages))
	for _, cs := range f.Stages {
		name := strings.TrimSpace(cs.Name)
		if name == "" {
			return nil, fmt.Errorf("stage catalog: stage with order %d has no name", cs.Order)
		}
		id := strings.TrimSpace(cs.ID)
		if id == "" {
			id = StageID(name)
		}
		active := true
		if cs.IsActive != nil {
			active = *cs.IsActive
		}
		out = append(out, Stage{
			ID:          id,
			Name:        name,
			Description: strings.TrimSpace(cs.Description),
			Goal:        strings.TrimSpace(cs.Goal),
			Order:       cs.Order,
			IsActive:    active,
		})
	}
	return out, nil
}

// StageID derives a stable id from a stage name so reseeding the same catalog
// updates rows instead of duplicating them.
func StageID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("intake:stage:"+strings.ToLower(name))).String()
}
