// Package iso registers ISO file content.
package iso

import (
	"github.com/reloquent/carryover/internal/plugins/pluginutil"
	"github.com/reloquent/carryover/internal/registry"
)

const (
	Name           = "iso"
	RepositoryType = "iso-repo"
	TypeISO        = "iso"
)

// Plugin returns the ISO plugin definition.
func Plugin() registry.Plugin {
	return registry.Plugin{
		Name:           Name,
		RepositoryType: RepositoryType,
		ContentTypes: []registry.ContentType{
			{
				ID: TypeISO,
				Legacy: registry.LegacySchema{
					Fields: []string{"name", "checksum", "size"},
				},
				Destination: registry.DestinationSchema{
					Type:             "file.file",
					NaturalKeyFields: []string{"relative_path", "digest", "size"},
				},
				NaturalKey: pluginutil.FieldKey("name", "checksum", "size"),
				Transform: pluginutil.CopyFields(map[string]string{
					"name":     "relative_path",
					"checksum": "digest",
				}, "name", "checksum", "size"),
			},
		},
		Importers: map[string]registry.ImporterFunc{
			"iso_importer": pluginutil.Importer(Name),
		},
		Distributors: map[string]registry.DistributorFunc{
			"iso_distributor": pluginutil.PublishedDistributor(Name, []string{"relative_url"}, "serve_http", "serve_https"),
		},
	}
}
