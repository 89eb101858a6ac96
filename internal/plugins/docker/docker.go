// Package docker registers container image content: blobs, manifests,
// manifest lists and tags.
package docker

import (
	"github.com/reloquent/carryover/internal/model"
	"github.com/reloquent/carryover/internal/plugins/pluginutil"
	"github.com/reloquent/carryover/internal/registry"
)

const (
	Name           = "docker"
	RepositoryType = "docker-repo"

	TypeBlob         = "docker_blob"
	TypeManifest     = "docker_manifest"
	TypeManifestList = "docker_manifest_list"
	TypeTag          = "docker_tag"
)

// Plugin returns the docker plugin definition.
func Plugin() registry.Plugin {
	return registry.Plugin{
		Name:           Name,
		RepositoryType: RepositoryType,
		ContentTypes: []registry.ContentType{
			{
				ID:     TypeBlob,
				Legacy: registry.LegacySchema{Fields: []string{"digest"}},
				Destination: registry.DestinationSchema{
					Type:             "container.blob",
					NaturalKeyFields: []string{"digest"},
				},
				NaturalKey: pluginutil.FieldKey("digest"),
				Transform:  pluginutil.CopyFields(nil, "digest"),
			},
			{
				ID:     TypeManifest,
				Legacy: registry.LegacySchema{Fields: []string{"digest", "schema_version", "fs_layers", "config_layer"}},
				Destination: registry.DestinationSchema{
					Type:             "container.manifest",
					NaturalKeyFields: []string{"digest"},
				},
				NaturalKey: pluginutil.FieldKey("digest"),
				Transform:  manifestTransform("application/vnd.docker.distribution.manifest.v2+json"),
			},
			{
				ID:     TypeManifestList,
				Legacy: registry.LegacySchema{Fields: []string{"digest", "schema_version", "manifests"}},
				Destination: registry.DestinationSchema{
					Type:             "container.manifest",
					NaturalKeyFields: []string{"digest"},
				},
				NaturalKey: pluginutil.FieldKey("digest"),
				Transform:  manifestTransform("application/vnd.docker.distribution.manifest.list.v2+json"),
			},
			{
				ID:     TypeTag,
				Legacy: registry.LegacySchema{Fields: []string{"name", "manifest_digest", "repo_id", "manifest_type"}},
				Destination: registry.DestinationSchema{
					Type:             "container.tag",
					NaturalKeyFields: []string{"name", "tagged_manifest"},
				},
				NaturalKey: pluginutil.FieldKey("name", "manifest_digest"),
				Transform: pluginutil.CopyFields(map[string]string{
					"manifest_digest": "tagged_manifest",
				}, "name", "manifest_digest"),
			},
		},
		Importers: map[string]registry.ImporterFunc{
			"docker_importer": importer,
		},
		Distributors: map[string]registry.DistributorFunc{
			"docker_distributor_web": pluginutil.DirectDistributor(Name, "repo-registry-id"),
		},
	}
}

func manifestTransform(defaultMediaType string) registry.TransformFunc {
	return func(d model.LegacyContentDescriptor) (model.DestinationContent, error) {
		digest, err := d.FieldString("digest")
		if err != nil {
			return model.DestinationContent{}, err
		}
		mediaType := defaultMediaType
		if d.OptionalString("schema_version") == "1" {
			mediaType = "application/vnd.docker.distribution.manifest.v1+json"
		}
		return model.DestinationContent{
			Fields: map[string]any{
				"digest":         digest,
				"schema_version": d.OptionalString("schema_version"),
				"media_type":     mediaType,
			},
			ArtifactPath: d.StoragePath,
		}, nil
	}
}

// importer keeps the upstream name so the remote syncs the same image.
func importer(imp model.LegacyImporter) (*model.Remote, error) {
	remote, err := pluginutil.Importer(Name)(imp)
	if err != nil || remote == nil {
		return remote, err
	}
	upstream := pluginutil.ConfigString(imp.Config, "upstream_name")
	if upstream == "" {
		upstream = imp.RepoID
	}
	remote.Config["upstream_name"] = upstream
	return remote, nil
}
