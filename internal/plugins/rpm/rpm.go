// Package rpm registers RPM repository content.
package rpm

import (
	"github.com/reloquent/carryover/internal/plugins/pluginutil"
	"github.com/reloquent/carryover/internal/registry"
)

const (
	Name           = "rpm"
	RepositoryType = "rpm-repo"

	TypeRPM                = "rpm"
	TypeSRPM               = "srpm"
	TypeErratum            = "erratum"
	TypeModulemd           = "modulemd"
	TypeModulemdDefaults   = "modulemd_defaults"
	TypePackageGroup       = "package_group"
	TypePackageCategory    = "package_category"
	TypePackageEnvironment = "package_environment"
	TypePackageLangpacks   = "package_langpacks"
	TypeRepoMetadataFile   = "yum_repo_metadata_file"
)

var nevra = []string{"name", "epoch", "version", "release", "arch", "checksumtype", "checksum"}

// Plugin returns the rpm plugin definition.
func Plugin() registry.Plugin {
	packageFields := append(append([]string{}, nevra...), "filename", "size", "summary", "is_modular")
	return registry.Plugin{
		Name:           Name,
		RepositoryType: RepositoryType,
		ContentTypes: []registry.ContentType{
			packageType(TypeRPM, packageFields),
			packageType(TypeSRPM, packageFields),
			{
				ID:     TypeErratum,
				Legacy: registry.LegacySchema{Fields: []string{"errata_id", "updated", "title", "severity", "type", "version", "issued", "pkglist"}},
				Destination: registry.DestinationSchema{
					Type:             "rpm.advisory",
					NaturalKeyFields: []string{"id"},
				},
				NaturalKey: pluginutil.FieldKey("errata_id"),
				Transform: pluginutil.CopyFields(map[string]string{
					"errata_id": "id",
				}, "errata_id", "updated", "title", "severity", "type", "version", "issued", "pkglist"),
			},
			{
				ID:     TypeModulemd,
				Legacy: registry.LegacySchema{Fields: []string{"name", "stream", "version", "context", "arch", "checksum"}},
				Destination: registry.DestinationSchema{
					Type:             "rpm.modulemd",
					NaturalKeyFields: []string{"name", "stream", "version", "context", "arch"},
				},
				NaturalKey: pluginutil.FieldKey("name", "stream", "version", "context", "arch"),
				Transform:  pluginutil.CopyFields(nil, "name", "stream", "version", "context", "arch", "checksum"),
			},
			{
				ID:     TypeModulemdDefaults,
				Legacy: registry.LegacySchema{Fields: []string{"module", "stream", "repo_id", "profiles"}},
				Destination: registry.DestinationSchema{
					Type:             "rpm.modulemd_defaults",
					NaturalKeyFields: []string{"module", "stream", "repo_id"},
				},
				NaturalKey: pluginutil.FieldKey("module", "stream", "repo_id"),
				Transform:  pluginutil.CopyFields(nil, "module", "stream", "repo_id", "profiles"),
			},
			{
				ID:     TypePackageGroup,
				Legacy: registry.LegacySchema{Fields: []string{"id", "repo_id", "name", "description", "default", "user_visible", "display_order"}},
				Destination: registry.DestinationSchema{
					Type:             "rpm.packagegroup",
					NaturalKeyFields: []string{"id", "repo_id"},
				},
				NaturalKey: pluginutil.FieldKey("id", "repo_id"),
				Transform:  pluginutil.CopyFields(nil, "id", "repo_id", "name", "description", "default", "user_visible", "display_order"),
			},
			compsType(TypePackageCategory, "rpm.packagecategory",
				"id", "repo_id", "name", "description", "packagegroupids", "display_order", "translated_name", "translated_description"),
			compsType(TypePackageEnvironment, "rpm.packageenvironment",
				"id", "repo_id", "name", "description", "group_ids", "options", "display_order", "translated_name", "translated_description"),
			{
				ID:     TypePackageLangpacks,
				Legacy: registry.LegacySchema{Fields: []string{"repo_id", "matches"}},
				Destination: registry.DestinationSchema{
					Type:             "rpm.packagelangpacks",
					NaturalKeyFields: []string{"repo_id", "matches"},
				},
				NaturalKey: pluginutil.FieldKey("repo_id", "matches"),
				Transform:  pluginutil.CopyFields(nil, "repo_id", "matches"),
			},
			{
				ID:     TypeRepoMetadataFile,
				Legacy: registry.LegacySchema{Fields: []string{"data_type", "checksum", "checksum_type", "repo_id"}},
				Destination: registry.DestinationSchema{
					Type:             "rpm.repo_metadata_file",
					NaturalKeyFields: []string{"data_type", "checksum"},
				},
				NaturalKey: pluginutil.FieldKey("data_type", "checksum"),
				Transform:  pluginutil.CopyFields(nil, "data_type", "checksum", "checksum_type", "repo_id"),
			},
		},
		Importers: map[string]registry.ImporterFunc{
			"yum_importer": pluginutil.Importer(Name),
		},
		Distributors: map[string]registry.DistributorFunc{
			"yum_distributor": pluginutil.PublishedDistributor(Name, []string{"relative_url"},
				"checksum_type", "gpgcheck", "repo_gpgcheck", "generate_sqlite"),
		},
	}
}

// rpm and srpm share a destination class; the package type is part of the
// stored fields, not the key.
func packageType(id string, fields []string) registry.ContentType {
	return registry.ContentType{
		ID:     id,
		Legacy: registry.LegacySchema{Fields: fields},
		Destination: registry.DestinationSchema{
			Type:             "rpm.package",
			NaturalKeyFields: nevra,
		},
		NaturalKey: pluginutil.FieldKey(nevra...),
		Transform: pluginutil.CopyFields(map[string]string{
			"filename":     "location_href",
			"checksumtype": "checksum_type",
			"checksum":     "pkgId",
		}, fields...),
	}
}

// compsType registers a comps entry keyed by its id within the repository.
func compsType(id, destType string, fields ...string) registry.ContentType {
	return registry.ContentType{
		ID:     id,
		Legacy: registry.LegacySchema{Fields: fields},
		Destination: registry.DestinationSchema{
			Type:             destType,
			NaturalKeyFields: []string{"id", "repo_id"},
		},
		NaturalKey: pluginutil.FieldKey("id", "repo_id"),
		Transform:  pluginutil.CopyFields(nil, fields...),
	}
}
