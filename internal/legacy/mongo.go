package legacy

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/reloquent/carryover/internal/apperrors"
	"github.com/reloquent/carryover/internal/model"
)

// Legacy store collection names.
const (
	collRepos            = "repos"
	collRepoContentUnits = "repo_content_units"
	collRepoImporters    = "repo_importers"
	collRepoDistributors = "repo_distributors"
	collLazyCatalog      = "lazy_content_catalog"
	unitCollectionPrefix = "units_"
	repoTypeNoteField    = "notes._repo-type"
	unitLastUpdatedField = "_last_updated"
	unitStoragePathField = "_storage_path"
	unitDownloadedField  = "downloaded"
)

// MongoMirror implements Mirror over the legacy MongoDB database.
type MongoMirror struct {
	client    *mongo.Client
	db        *mongo.Database
	schemas   SchemaResolver
	batchSize int32
	logger    *slog.Logger
}

// MongoOptions configures a MongoMirror.
type MongoOptions struct {
	URI       string
	Database  string
	BatchSize int
	Timeout   time.Duration
}

// NewMongoMirror connects to the legacy store and verifies the connection.
func NewMongoMirror(ctx context.Context, opts MongoOptions, schemas SchemaResolver, logger *slog.Logger) (*MongoMirror, error) {
	clientOpts := options.Client().ApplyURI(opts.URI)
	if opts.Timeout > 0 {
		clientOpts.SetTimeout(opts.Timeout)
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to legacy MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging legacy MongoDB: %w", classify(err))
	}

	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoMirror{
		client:    client,
		db:        client.Database(opts.Database),
		schemas:   schemas,
		batchSize: int32(batch),
		logger:    logger,
	}, nil
}

// classify marks driver errors that are worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return apperrors.Transient(err)
	}
	return err
}

func (m *MongoMirror) IterContent(ctx context.Context, typeID string, since int64) iter.Seq2[model.LegacyContentDescriptor, error] {
	return func(yield func(model.LegacyContentDescriptor, error) bool) {
		schema, err := m.schemas.LegacySchema(typeID)
		if err != nil {
			yield(model.LegacyContentDescriptor{}, err)
			return
		}

		projection := bson.D{
			{Key: "_id", Value: 1},
			{Key: unitLastUpdatedField, Value: 1},
			{Key: unitStoragePathField, Value: 1},
			{Key: unitDownloadedField, Value: 1},
		}
		for _, f := range schema.Fields {
			projection = append(projection, bson.E{Key: f, Value: 1})
		}

		filter := bson.D{}
		if since > 0 {
			filter = bson.D{{Key: unitLastUpdatedField, Value: bson.D{{Key: "$gte", Value: since}}}}
		}
		findOpts := options.Find().
			SetProjection(projection).
			SetSort(bson.D{{Key: unitLastUpdatedField, Value: 1}, {Key: "_id", Value: 1}}).
			SetBatchSize(m.batchSize)

		cursor, err := m.db.Collection(schema.Collection).Find(ctx, filter, findOpts)
		if err != nil {
			yield(model.LegacyContentDescriptor{}, fmt.Errorf("querying %s: %w", schema.Collection, classify(err)))
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				yield(model.LegacyContentDescriptor{}, fmt.Errorf("decoding %s unit: %w", typeID, err))
				return
			}
			d := descriptorFromDoc(typeID, schema.Fields, doc)

			if !d.Downloaded {
				ok, err := m.hasLazyEntry(ctx, d.LegacyID)
				if err != nil {
					yield(model.LegacyContentDescriptor{}, err)
					return
				}
				if !ok {
					m.logger.Warn("skipping on-demand unit without catalog entry",
						"type", typeID, "legacy_id", d.LegacyID)
					continue
				}
			}

			if !yield(d, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(model.LegacyContentDescriptor{}, fmt.Errorf("iterating %s: %w", schema.Collection, classify(err)))
		}
	}
}

func (m *MongoMirror) hasLazyEntry(ctx context.Context, unitID string) (bool, error) {
	n, err := m.db.Collection(collLazyCatalog).CountDocuments(ctx,
		bson.D{{Key: "unit_id", Value: unitID}}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("checking lazy catalog for %s: %w", unitID, classify(err))
	}
	return n > 0, nil
}

func descriptorFromDoc(typeID string, fields []string, doc bson.M) model.LegacyContentDescriptor {
	d := model.LegacyContentDescriptor{
		LegacyID:   idString(doc["_id"]),
		TypeID:     typeID,
		Fields:     make(map[string]any, len(fields)),
		Downloaded: true,
	}
	if v, ok := doc[unitStoragePathField].(string); ok {
		d.StoragePath = v
	}
	d.LastUpdated = toInt64(doc[unitLastUpdatedField])
	if v, ok := doc[unitDownloadedField].(bool); ok {
		d.Downloaded = v
	}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			d.Fields[f] = normalize(v)
		}
	}
	return d
}

// normalize converts driver types into plain Go values that encode cleanly
// as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case bson.ObjectID:
		return t.Hex()
	case bson.DateTime:
		return t.Time().UTC()
	case int32:
		return int64(t)
	default:
		return v
	}
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bson.ObjectID:
		return t.Hex()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int32:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case int:
		return int64(t)
	default:
		return 0
	}
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case bson.DateTime:
		return t.Time().UTC()
	case time.Time:
		return t.UTC()
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func toMap(v any) map[string]any {
	if m, ok := normalize(v).(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func (m *MongoMirror) CountContent(ctx context.Context, typeID string) (int64, error) {
	schema, err := m.schemas.LegacySchema(typeID)
	if err != nil {
		return 0, err
	}
	coll := m.db.Collection(schema.Collection)
	n, err := coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", schema.Collection, classify(err))
	}

	// on-demand units without a catalog entry are never mirrored
	cursor, err := coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: unitDownloadedField, Value: false}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: collLazyCatalog},
			{Key: "localField", Value: "_id"},
			{Key: "foreignField", Value: "unit_id"},
			{Key: "as", Value: "catalog"},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "catalog", Value: bson.D{{Key: "$size", Value: 0}}}}}},
		{{Key: "$count", Value: "n"}},
	})
	if err != nil {
		return 0, fmt.Errorf("counting uncatalogued %s units: %w", typeID, classify(err))
	}
	defer cursor.Close(ctx)
	var res []struct {
		N int64 `bson:"n"`
	}
	if err := cursor.All(ctx, &res); err != nil {
		return 0, fmt.Errorf("counting uncatalogued %s units: %w", typeID, classify(err))
	}
	if len(res) > 0 {
		n -= res[0].N
	}
	return n, nil
}

func (m *MongoMirror) IterRepositories(ctx context.Context, repoType string, ids []string) iter.Seq2[model.LegacyRepository, error] {
	return func(yield func(model.LegacyRepository, error) bool) {
		filter := bson.D{{Key: repoTypeNoteField, Value: repoType}}
		if len(ids) > 0 {
			filter = append(filter, bson.E{Key: "repo_id", Value: bson.D{{Key: "$in", Value: ids}}})
		}
		findOpts := options.Find().
			SetSort(bson.D{{Key: "repo_id", Value: 1}}).
			SetBatchSize(m.batchSize)

		cursor, err := m.db.Collection(collRepos).Find(ctx, filter, findOpts)
		if err != nil {
			yield(model.LegacyRepository{}, fmt.Errorf("querying repositories: %w", classify(err)))
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				yield(model.LegacyRepository{}, fmt.Errorf("decoding repository: %w", err))
				return
			}
			if !yield(repositoryFromDoc(repoType, doc), nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(model.LegacyRepository{}, fmt.Errorf("iterating repositories: %w", classify(err)))
		}
	}
}

func repositoryFromDoc(repoType string, doc bson.M) model.LegacyRepository {
	r := model.LegacyRepository{
		RepoID:          fmt.Sprintf("%v", doc["repo_id"]),
		Plugin:          repoType,
		LastUnitAdded:   toTime(doc["last_unit_added"]),
		LastUnitRemoved: toTime(doc["last_unit_removed"]),
	}
	if v, ok := doc["display_name"].(string); ok {
		r.DisplayName = v
	}
	if v, ok := doc["description"].(string); ok {
		r.Description = v
	}
	return r
}

// IterRepositoryVersions yields the repository's current membership as one
// snapshot numbered by its last modification time, so a later run that sees
// a changed repository appends a newer version.
func (m *MongoMirror) IterRepositoryVersions(ctx context.Context, repoID string) iter.Seq2[model.VersionSnapshot, error] {
	return func(yield func(model.VersionSnapshot, error) bool) {
		var doc bson.M
		err := m.db.Collection(collRepos).FindOne(ctx, bson.D{{Key: "repo_id", Value: repoID}}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			yield(model.VersionSnapshot{}, fmt.Errorf("repository %s: %w", repoID, apperrors.ErrNotFound))
			return
		}
		if err != nil {
			yield(model.VersionSnapshot{}, fmt.Errorf("loading repository %s: %w", repoID, classify(err)))
			return
		}
		repo := repositoryFromDoc("", doc)

		findOpts := options.Find().
			SetProjection(bson.D{{Key: "unit_id", Value: 1}, {Key: "unit_type_id", Value: 1}}).
			SetSort(bson.D{{Key: "unit_type_id", Value: 1}, {Key: "unit_id", Value: 1}}).
			SetBatchSize(m.batchSize)
		cursor, err := m.db.Collection(collRepoContentUnits).Find(ctx, bson.D{{Key: "repo_id", Value: repoID}}, findOpts)
		if err != nil {
			yield(model.VersionSnapshot{}, fmt.Errorf("querying members of %s: %w", repoID, classify(err)))
			return
		}
		defer cursor.Close(ctx)

		snap := model.VersionSnapshot{Number: repo.ModifiedAt().UnixMilli()}
		if repo.ModifiedAt().IsZero() {
			snap.Number = 0
		}
		for cursor.Next(ctx) {
			var rcu struct {
				UnitID     string `bson:"unit_id"`
				UnitTypeID string `bson:"unit_type_id"`
			}
			if err := cursor.Decode(&rcu); err != nil {
				yield(model.VersionSnapshot{}, fmt.Errorf("decoding member of %s: %w", repoID, err))
				return
			}
			snap.Members = append(snap.Members, model.MemberRef{LegacyID: rcu.UnitID, TypeID: rcu.UnitTypeID})
		}
		if err := cursor.Err(); err != nil {
			yield(model.VersionSnapshot{}, fmt.Errorf("iterating members of %s: %w", repoID, classify(err)))
			return
		}
		yield(snap, nil)
	}
}

func (m *MongoMirror) IterImporters(ctx context.Context, repoID string) iter.Seq2[model.LegacyImporter, error] {
	return func(yield func(model.LegacyImporter, error) bool) {
		cursor, err := m.db.Collection(collRepoImporters).Find(ctx, bson.D{{Key: "repo_id", Value: repoID}},
			options.Find().SetBatchSize(m.batchSize))
		if err != nil {
			yield(model.LegacyImporter{}, fmt.Errorf("querying importers of %s: %w", repoID, classify(err)))
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				yield(model.LegacyImporter{}, fmt.Errorf("decoding importer: %w", err))
				return
			}
			imp := model.LegacyImporter{
				ID:          idString(doc["_id"]),
				RepoID:      repoID,
				TypeID:      fmt.Sprintf("%v", doc["importer_type_id"]),
				Config:      toMap(doc["config"]),
				LastUpdated: toTime(doc["last_updated"]),
			}
			if !yield(imp, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(model.LegacyImporter{}, fmt.Errorf("iterating importers of %s: %w", repoID, classify(err)))
		}
	}
}

func (m *MongoMirror) IterDistributors(ctx context.Context, repoID string) iter.Seq2[model.LegacyDistributor, error] {
	return func(yield func(model.LegacyDistributor, error) bool) {
		cursor, err := m.db.Collection(collRepoDistributors).Find(ctx, bson.D{{Key: "repo_id", Value: repoID}},
			options.Find().SetSort(bson.D{{Key: "distributor_id", Value: 1}}).SetBatchSize(m.batchSize))
		if err != nil {
			yield(model.LegacyDistributor{}, fmt.Errorf("querying distributors of %s: %w", repoID, classify(err)))
			return
		}
		defer cursor.Close(ctx)

		for cursor.Next(ctx) {
			var doc bson.M
			if err := cursor.Decode(&doc); err != nil {
				yield(model.LegacyDistributor{}, fmt.Errorf("decoding distributor: %w", err))
				return
			}
			d := model.LegacyDistributor{
				ID:          fmt.Sprintf("%v", doc["distributor_id"]),
				RepoID:      repoID,
				TypeID:      fmt.Sprintf("%v", doc["distributor_type_id"]),
				Config:      toMap(doc["config"]),
				LastPublish: toTime(doc["last_publish"]),
			}
			if v, ok := doc["auto_publish"].(bool); ok {
				d.AutoPublish = v
			}
			if !yield(d, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(model.LegacyDistributor{}, fmt.Errorf("iterating distributors of %s: %w", repoID, classify(err)))
		}
	}
}

func (m *MongoMirror) Inventory(ctx context.Context) ([]TypeCount, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", classify(err))
	}
	sort.Strings(names)

	var out []TypeCount
	for _, name := range names {
		if !strings.HasPrefix(name, unitCollectionPrefix) {
			continue
		}
		n, err := m.db.Collection(name).EstimatedDocumentCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, classify(err))
		}
		out = append(out, TypeCount{
			TypeID:     strings.TrimPrefix(name, unitCollectionPrefix),
			Collection: name,
			Count:      n,
		})
	}
	return out, nil
}

func (m *MongoMirror) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

var _ Mirror = (*MongoMirror)(nil)
