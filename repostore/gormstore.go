package repostore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bluesky-social/atrepo/atproto/syntax"
	"github.com/bluesky-social/atrepo/blockmap"
	"github.com/bluesky-social/atrepo/models"
	"github.com/bluesky-social/atrepo/repo"
	"github.com/bluesky-social/atrepo/util/cliutil"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/opentelemetry/tracing"
)

// rows per IN clause; sqlite caps bound parameters
const gormQueryChunk = 500

// GormStore keeps blocks and heads in a SQL database.
type GormStore struct {
	db  *gorm.DB
	log *slog.Logger
}

var _ Store = (*GormStore)(nil)

// OpenGormStore connects to a sqlite or postgres database URL and prepares the tables.
func OpenGormStore(dburl string, maxConnections int, log *slog.Logger) (*GormStore, error) {
	if maxConnections <= 0 {
		maxConnections = 40
	}
	db, err := cliutil.SetupDatabase(dburl, maxConnections)
	if err != nil {
		return nil, fmt.Errorf("setting up database: %w", err)
	}
	if err := db.Use(tracing.NewPlugin()); err != nil {
		return nil, err
	}
	return NewGormStore(db, log)
}

func NewGormStore(db *gorm.DB, log *slog.Logger) (*GormStore, error) {
	if log == nil {
		log = slog.Default().With("system", "repostore")
	}
	if err := db.AutoMigrate(&models.RepoBlock{}, &models.RepoRoot{}); err != nil {
		return nil, fmt.Errorf("migrating repo tables: %w", err)
	}
	return &GormStore{db: db, log: log}, nil
}

func (gs *GormStore) Repo(did syntax.DID) repo.Storage {
	return &gormStorage{gs: gs, did: did.String()}
}

func (gs *GormStore) ListRepos(ctx context.Context) ([]RepoHead, error) {
	var roots []models.RepoRoot
	if err := gs.db.WithContext(ctx).Order("did asc").Find(&roots).Error; err != nil {
		return nil, err
	}
	out := make([]RepoHead, 0, len(roots))
	for _, r := range roots {
		out = append(out, RepoHead{DID: syntax.DID(r.Did), Root: r.Cid.CID, Rev: r.Rev})
	}
	return out, nil
}

func (gs *GormStore) DeleteRepo(ctx context.Context, did syntax.DID) error {
	return gs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("did = ?", did.String()).Delete(&models.RepoBlock{}).Error; err != nil {
			return err
		}
		return tx.Where("did = ?", did.String()).Delete(&models.RepoRoot{}).Error
	})
}

func (gs *GormStore) Close() error {
	sqldb, err := gs.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

type gormStorage struct {
	gs  *GormStore
	did string
}

func dbCids(cids []cid.Cid) []models.DbCID {
	out := make([]models.DbCID, len(cids))
	for i, c := range cids {
		out[i] = models.DbCID{CID: c}
	}
	return out
}

func (s *gormStorage) GetBytes(ctx context.Context, c cid.Cid) ([]byte, error) {
	var blk models.RepoBlock
	res := s.gs.db.WithContext(ctx).Where("did = ? AND cid = ?", s.did, models.DbCID{CID: c}).Limit(1).Find(&blk)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return blk.Data, nil
}

func (s *gormStorage) GetBlocks(ctx context.Context, cids []cid.Cid) (*blockmap.BlockMap, []cid.Cid, error) {
	found := blockmap.NewBlockMap()
	for start := 0; start < len(cids); start += gormQueryChunk {
		chunk := cids[start:min(start+gormQueryChunk, len(cids))]
		var rows []models.RepoBlock
		if err := s.gs.db.WithContext(ctx).Where("did = ? AND cid IN ?", s.did, dbCids(chunk)).Find(&rows).Error; err != nil {
			return nil, nil, err
		}
		for _, r := range rows {
			found.Set(r.Cid.CID, r.Data)
		}
	}

	var missing []cid.Cid
	for _, c := range cids {
		if !found.Has(c) {
			missing = append(missing, c)
		}
	}
	return found, missing, nil
}

func (s *gormStorage) Has(ctx context.Context, c cid.Cid) (bool, error) {
	var count int64
	if err := s.gs.db.WithContext(ctx).Model(&models.RepoBlock{}).Where("did = ? AND cid = ?", s.did, models.DbCID{CID: c}).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *gormStorage) GetRoot(ctx context.Context) (*cid.Cid, error) {
	var root models.RepoRoot
	res := s.gs.db.WithContext(ctx).Where("did = ?", s.did).Limit(1).Find(&root)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &root.Cid.CID, nil
}

func (s *gormStorage) ApplyCommit(ctx context.Context, commit *repo.CommitData) error {
	ctx, span := otel.Tracer("repostore").Start(ctx, "gormApplyCommit")
	defer span.End()
	span.SetAttributes(
		attribute.Int("blocks", commit.NewBlocks.Len()),
		attribute.Int("removed", commit.RemovedCids.Len()),
	)

	rows := make([]models.RepoBlock, 0, commit.NewBlocks.Len())
	_ = commit.NewBlocks.ForEach(func(c cid.Cid, b []byte) error {
		rows = append(rows, models.RepoBlock{Did: s.did, Cid: models.DbCID{CID: c}, Data: b})
		return nil
	})

	var removed []cid.Cid
	for _, c := range commit.RemovedCids.List() {
		if !commit.NewBlocks.Has(c) {
			removed = append(removed, c)
		}
	}

	return s.gs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100).Error; err != nil {
				return fmt.Errorf("inserting blocks: %w", err)
			}
		}
		for start := 0; start < len(removed); start += gormQueryChunk {
			chunk := removed[start:min(start+gormQueryChunk, len(removed))]
			if err := tx.Where("did = ? AND cid IN ?", s.did, dbCids(chunk)).Delete(&models.RepoBlock{}).Error; err != nil {
				return fmt.Errorf("deleting blocks: %w", err)
			}
		}

		root := models.RepoRoot{Did: s.did, Cid: models.DbCID{CID: commit.Cid}, Rev: commit.Rev}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "did"}},
			DoUpdates: clause.AssignmentColumns([]string{"cid", "rev", "updated_at"}),
		}).Create(&root).Error; err != nil {
			return fmt.Errorf("updating head: %w", err)
		}
		return nil
	})
}
