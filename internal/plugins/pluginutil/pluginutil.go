// Package pluginutil holds the conversions shared by the built-in plugins.
package pluginutil

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/reloquent/carryover/internal/model"
	"github.com/reloquent/carryover/internal/registry"
)

// Download policies understood by destination remotes.
const (
	PolicyImmediate = "immediate"
	PolicyOnDemand  = "on_demand"
	PolicyStreamed  = "streamed"
)

// remote settings copied verbatim from importer config
var remoteSettings = []string{
	"ssl_ca_cert", "ssl_client_cert", "ssl_client_key", "ssl_validation",
	"proxy_host", "proxy_port", "proxy_username", "proxy_password",
	"basic_auth_username", "basic_auth_password", "max_downloads",
}

// FieldKey returns a natural-key extractor over the given descriptor fields.
func FieldKey(fields ...string) registry.NaturalKeyFunc {
	return func(d model.LegacyContentDescriptor) (model.NaturalKey, error) {
		return model.KeyFromFields(d, fields...)
	}
}

// CopyFields returns a transform that copies the listed legacy fields,
// renaming them through rename where an entry exists.
func CopyFields(rename map[string]string, fields ...string) registry.TransformFunc {
	return func(d model.LegacyContentDescriptor) (model.DestinationContent, error) {
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			v, ok := d.Fields[f]
			if !ok {
				continue
			}
			name := f
			if r, ok := rename[f]; ok {
				name = r
			}
			out[name] = v
		}
		return model.DestinationContent{Fields: out, ArtifactPath: d.StoragePath}, nil
	}
}

// ConfigString reads a string setting from a legacy config map.
func ConfigString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Policy maps a legacy download policy onto a remote policy.
func Policy(legacy string) string {
	switch legacy {
	case "on_demand", "background":
		return PolicyOnDemand
	case "streamed":
		return PolicyStreamed
	default:
		return PolicyImmediate
	}
}

// Importer builds an ImporterFunc for a plugin. Importers without a feed
// have nothing to sync from and produce no remote.
func Importer(plugin string) registry.ImporterFunc {
	return func(imp model.LegacyImporter) (*model.Remote, error) {
		feed := ConfigString(imp.Config, "feed")
		if feed == "" {
			return nil, nil
		}
		settings := make(map[string]any)
		for _, k := range remoteSettings {
			if v, ok := imp.Config[k]; ok {
				settings[k] = v
			}
		}
		return &model.Remote{
			Name:   imp.RepoID,
			Plugin: plugin,
			URL:    feed,
			Policy: Policy(ConfigString(imp.Config, "download_policy")),
			Config: settings,
		}, nil
	}
}

// BasePath derives a distribution base path from a legacy distributor,
// preferring the first non-empty config key.
func BasePath(d model.LegacyDistributor, keys ...string) string {
	for _, k := range keys {
		if p := ConfigString(d.Config, k); p != "" {
			return strings.Trim(path.Clean("/"+p), "/")
		}
	}
	return d.RepoID
}

// PublishedDistributor builds a DistributorFunc for plugins that serve a
// publication. publicationKeys are copied from the distributor config.
func PublishedDistributor(plugin string, basePathKeys []string, publicationKeys ...string) registry.DistributorFunc {
	return func(d model.LegacyDistributor, target registry.DistributionTarget) (*model.Publication, *model.Distribution, error) {
		if target.RepositoryVersionID == uuid.Nil {
			return nil, nil, fmt.Errorf("distributor %s has no repository version to publish", d.Key())
		}
		cfg := make(map[string]any)
		for _, k := range publicationKeys {
			if v, ok := d.Config[k]; ok {
				cfg[k] = v
			}
		}
		pub := &model.Publication{
			RepositoryVersionID: target.RepositoryVersionID,
			Plugin:              plugin,
			Config:              cfg,
		}
		dist := &model.Distribution{
			Name:     target.RepositoryName + "-" + d.ID,
			BasePath: BasePath(d, basePathKeys...),
			Plugin:   plugin,
		}
		return pub, dist, nil
	}
}

// DirectDistributor builds a DistributorFunc for plugins that serve a
// repository version without a publication.
func DirectDistributor(plugin string, basePathKeys ...string) registry.DistributorFunc {
	return func(d model.LegacyDistributor, target registry.DistributionTarget) (*model.Publication, *model.Distribution, error) {
		if target.RepositoryVersionID == uuid.Nil {
			return nil, nil, fmt.Errorf("distributor %s has no repository version to serve", d.Key())
		}
		version := target.RepositoryVersionID
		return nil, &model.Distribution{
			Name:                target.RepositoryName + "-" + d.ID,
			BasePath:            BasePath(d, basePathKeys...),
			Plugin:              plugin,
			RepositoryVersionID: &version,
		}, nil
	}
}
