package repository

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/chartman/internal/model"
)

// chartCollection はチャートエントリを格納するコレクション名。
const chartCollection = "chart_entries"

// MongoChartRepo はMongoDBを使用したチャートエントリリポジトリ。
type MongoChartRepo struct {
	coll *mongo.Collection
}

// NewMongoChartRepo はMongoChartRepoを生成する。
func NewMongoChartRepo(db *mongo.Database) *MongoChartRepo {
	return &MongoChartRepo{coll: db.Collection(chartCollection)}
}

// chartDocument はMongoDB上のチャートエントリ表現。
// 日付は時刻成分を持たないためYYYY-MM-DD文字列で格納し、
// 範囲検索は文字列の辞書順比較で行う。
type chartDocument struct {
	ID          string    `bson:"_id"`
	Date        string    `bson:"date"`
	Rank        int       `bson:"rank"`
	Song        string    `bson:"song"`
	Artist      string    `bson:"artist"`
	Album       string    `bson:"album,omitempty"`
	Source      string    `bson:"source"`
	Country     string    `bson:"country"`
	Streams     *int64    `bson:"streams,omitempty"`
	IdentityKey string    `bson:"identity_key"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

// toChartDocument はドメインモデルをMongoDBドキュメントに変換する。
// enforceUniqueがfalseの場合、identity keyにエントリIDを付加して
// ユニークインデックスとの衝突を回避する（重複登録の明示的許容）。
func toChartDocument(entry *model.ChartEntry, enforceUnique bool) chartDocument {
	key := entry.IdentityKey()
	if !enforceUnique {
		key = key + "|" + entry.ID
	}
	return chartDocument{
		ID:          entry.ID,
		Date:        entry.Date.Format(model.DateLayout),
		Rank:        entry.Rank,
		Song:        entry.Song,
		Artist:      entry.Artist,
		Album:       entry.Album,
		Source:      string(entry.Source),
		Country:     entry.Country,
		Streams:     entry.Streams,
		IdentityKey: key,
		CreatedAt:   entry.CreatedAt,
		UpdatedAt:   entry.UpdatedAt,
	}
}

// toChartEntry はMongoDBドキュメントをドメインモデルに変換する。
func (d *chartDocument) toChartEntry() (*model.ChartEntry, error) {
	date, err := time.Parse(model.DateLayout, d.Date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entry date: %w", err)
	}
	return &model.ChartEntry{
		ID:        d.ID,
		Date:      date,
		Rank:      d.Rank,
		Song:      d.Song,
		Artist:    d.Artist,
		Album:     d.Album,
		Source:    model.ChartSource(d.Source),
		Country:   d.Country,
		Streams:   d.Streams,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}

// EnsureIndexes はidentity keyユニークインデックスと検索用インデックスを作成する。
func (r *MongoChartRepo) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "identity_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "date", Value: -1}, {Key: "rank", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "artist", Value: 1}, {Key: "date", Value: 1}},
		},
	}

	if _, err := r.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create chart indexes: %w", err)
	}
	return nil
}

// Insert はエントリを1件登録する。
func (r *MongoChartRepo) Insert(ctx context.Context, entry *model.ChartEntry, enforceUnique bool) error {
	doc := toChartDocument(entry, enforceUnique)

	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert chart entry: %w", err)
	}
	return nil
}

// FindByID は指定IDのエントリを取得する。見つからない場合はnilを返す。
func (r *MongoChartRepo) FindByID(ctx context.Context, id string) (*model.ChartEntry, error) {
	var doc chartDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chart entry by ID: %w", err)
	}
	return doc.toChartEntry()
}

// Update は既存エントリを上書き更新する。
func (r *MongoChartRepo) Update(ctx context.Context, entry *model.ChartEntry) (bool, error) {
	doc := toChartDocument(entry, true)

	result, err := r.coll.ReplaceOne(ctx, bson.M{"_id": entry.ID}, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, ErrDuplicateKey
		}
		return false, fmt.Errorf("failed to update chart entry: %w", err)
	}
	return result.MatchedCount > 0, nil
}

// DeleteByID は指定IDのエントリを削除する。
func (r *MongoChartRepo) DeleteByID(ctx context.Context, id string) (bool, error) {
	result, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("failed to delete chart entry: %w", err)
	}
	return result.DeletedCount > 0, nil
}

// buildChartFilter はChartFilterをMongoDBのクエリ条件に変換する。
func buildChartFilter(f model.ChartFilter) bson.M {
	q := bson.M{}

	switch {
	case f.Date != nil:
		q["date"] = f.Date.Format(model.DateLayout)
	case f.DateFrom != nil || f.DateTo != nil:
		rangeQ := bson.M{}
		if f.DateFrom != nil {
			rangeQ["$gte"] = f.DateFrom.Format(model.DateLayout)
		}
		if f.DateTo != nil {
			rangeQ["$lte"] = f.DateTo.Format(model.DateLayout)
		}
		q["date"] = rangeQ
	}

	if f.Source != "" {
		q["source"] = string(f.Source)
	}
	if f.Country != "" {
		q["country"] = f.Country
	}
	if f.Artist != "" {
		q["artist"] = primitive.Regex{Pattern: "^" + regexp.QuoteMeta(f.Artist), Options: "i"}
	}

	return q
}

// Query はフィルタ条件に一致するエントリを取得する。
func (r *MongoChartRepo) Query(ctx context.Context, filter model.ChartFilter, skip, limit int) ([]*model.ChartEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}, {Key: "rank", Value: 1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))

	return r.find(ctx, buildChartFilter(filter), opts)
}

// TopForDate は指定日・提供元・国の上位limit件を順位昇順で返す。
func (r *MongoChartRepo) TopForDate(ctx context.Context, date time.Time, source model.ChartSource, country string, limit int) ([]*model.ChartEntry, error) {
	q := bson.M{
		"date":    date.Format(model.DateLayout),
		"source":  string(source),
		"country": country,
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "rank", Value: 1}}).
		SetLimit(int64(limit))

	return r.find(ctx, q, opts)
}

// ArtistHistory はアーティスト名の前方一致でエントリを日付昇順に返す。
func (r *MongoChartRepo) ArtistHistory(ctx context.Context, artist string, from, to *time.Time, limit int) ([]*model.ChartEntry, error) {
	q := buildChartFilter(model.ChartFilter{Artist: artist, DateFrom: from, DateTo: to})
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: 1}, {Key: "rank", Value: 1}}).
		SetLimit(int64(limit))

	return r.find(ctx, q, opts)
}

// ListWindow は期間[from, to]内のエントリを日付昇順で返す。
func (r *MongoChartRepo) ListWindow(ctx context.Context, from, to time.Time, source model.ChartSource, country string) ([]*model.ChartEntry, error) {
	q := bson.M{
		"date": bson.M{
			"$gte": from.Format(model.DateLayout),
			"$lte": to.Format(model.DateLayout),
		},
	}
	if source != "" {
		q["source"] = string(source)
	}
	if country != "" {
		q["country"] = country
	}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "rank", Value: 1}})

	return r.find(ctx, q, opts)
}

// find はクエリを実行し全件をデコードする。
func (r *MongoChartRepo) find(ctx context.Context, q bson.M, opts *options.FindOptions) ([]*model.ChartEntry, error) {
	cursor, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query chart entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*model.ChartEntry
	for cursor.Next(ctx) {
		var doc chartDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode chart entry: %w", err)
		}
		entry, err := doc.toChartEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chart entries: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ ChartRepository = (*MongoChartRepo)(nil)
