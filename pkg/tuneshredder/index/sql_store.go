package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rad1914/TuneShredder/pkg/tuneshredder/dsp"
)

// Track is one row of the track table.
type Track struct {
	ID   uint32 `gorm:"primaryKey;autoIncrement:false"`
	Name string `gorm:"uniqueIndex"`
}

// FP is one posting row: landmark hash, track id, anchor frame. Seq is
// an auto-increment row key; it keeps gorm from promoting the id column
// to the primary key, which would make postings of one track collide.
type FP struct {
	Seq uint64 `gorm:"primaryKey;autoIncrement"`
	H   uint32 `gorm:"index:idx_h"`
	ID  uint32
	T   uint32
}

func (FP) TableName() string { return "fp" }

// Param is the single-row parameter record, stored as JSON.
type Param struct {
	K string `gorm:"primaryKey"`
	V string
}

// SQLStore is the relational back end: same contract as the JSON
// artifact, with SQLite handling durability. The bucket cap is still
// enforced through the shared in-memory index, which doubles as the
// match snapshot.
type SQLStore struct {
	path   string
	header Header
	db     *gorm.DB
	idx    *Index

	pending []FP // postings of the track currently being written
}

// IsSQLitePath reports whether an index path selects the relational
// back end by extension.
func IsSQLitePath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".sqlite3") || strings.HasSuffix(lower, ".sqlite") || strings.HasSuffix(lower, ".db")
}

func NewSQLStore(path string, h Header) *SQLStore {
	return &SQLStore{path: path, header: h}
}

func (s *SQLStore) Open() error {
	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrUnreadable, s.path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Track{}, &FP{}, &Param{}); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrUnreadable, err)
	}
	s.db = db

	stored, err := s.loadHeader()
	switch {
	case err == nil:
		if !stored.Equal(s.header) {
			return fmt.Errorf("%w: existing store %s was built with different parameters", ErrBadParams, s.path)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.saveHeader(); err != nil {
			return err
		}
	default:
		return err
	}
	return s.loadIndex()
}

func (s *SQLStore) loadHeader() (Header, error) {
	var row Param
	if err := s.db.Where("k = ?", "header").First(&row).Error; err != nil {
		return Header{}, err
	}
	var h Header
	if err := json.Unmarshal([]byte(row.V), &h); err != nil {
		return Header{}, fmt.Errorf("%w: params row: %v", ErrUnreadable, err)
	}
	return h, nil
}

func (s *SQLStore) saveHeader() error {
	blob, err := json.Marshal(s.header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := s.db.Save(&Param{K: "header", V: string(blob)}).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// loadIndex materializes the whole store into the in-memory index so
// the bucket cap and the matchers see one representation.
func (s *SQLStore) loadIndex() error {
	idx := New(s.header)
	var tracks []Track
	if err := s.db.Order("id asc").Find(&tracks).Error; err != nil {
		return fmt.Errorf("%w: tracks: %v", ErrUnreadable, err)
	}
	for _, t := range tracks {
		if int(t.ID) != len(idx.Names) {
			return fmt.Errorf("%w: track ids are not dense", ErrUnreadable)
		}
		if _, err := idx.BeginTrack(t.Name); err != nil {
			return fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
	}
	rows, err := s.db.Model(&FP{}).Rows()
	if err != nil {
		return fmt.Errorf("%w: fp: %v", ErrUnreadable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var fp FP
		if err := s.db.ScanRows(rows, &fp); err != nil {
			return fmt.Errorf("%w: fp row: %v", ErrUnreadable, err)
		}
		if int(fp.ID) >= len(idx.Names) {
			continue
		}
		idx.Buckets[fp.H] = append(idx.Buckets[fp.H], Posting{Track: fp.ID, T: fp.T})
	}
	s.idx = idx
	return nil
}

func (s *SQLStore) Has(name string) bool { return s.idx.Has(name) }

func (s *SQLStore) BeginTrack(name string) (uint32, error) {
	id, err := s.idx.BeginTrack(name)
	if err != nil {
		return 0, err
	}
	s.pending = s.pending[:0]
	return id, nil
}

func (s *SQLStore) Append(track uint32, landmarks []dsp.Landmark) int {
	kept := 0
	capPerBucket := s.header.BucketCap
	for _, lm := range landmarks {
		bucket := s.idx.Buckets[lm.Key]
		if capPerBucket > 0 && len(bucket) >= capPerBucket {
			continue
		}
		s.idx.Buckets[lm.Key] = append(bucket, Posting{Track: track, T: lm.T})
		s.pending = append(s.pending, FP{H: lm.Key, ID: track, T: lm.T})
		kept++
	}
	return kept
}

// EndTrack commits the track row and its postings in one transaction,
// so a crash never leaves a registered track with a partial posting
// set.
func (s *SQLStore) EndTrack(track uint32) error {
	name := s.idx.Name(track)
	pending := s.pending
	s.pending = nil
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Track{ID: track, Name: name}).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		return tx.CreateInBatches(pending, 500).Error
	})
	if err != nil {
		return fmt.Errorf("%w: track %s: %v", ErrWriteFailed, name, err)
	}
	return nil
}

// Checkpoint is a no-op: every EndTrack already committed.
func (s *SQLStore) Checkpoint() error { return nil }

// Finalize has nothing to regroup; the relational layout is already
// normalized by (h, id, t).
func (s *SQLStore) Finalize() error { return nil }

func (s *SQLStore) Snapshot() (*Index, error) { return s.idx, nil }

func (s *SQLStore) TracksIndexed() int { return s.idx.NumTracks() }

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadSQL opens a read-only snapshot of a relational store for
// matching.
func LoadSQL(path string) (*Index, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrUnreadable, path, err)
	}
	s := &SQLStore{path: path, db: db}
	defer s.Close()
	h, err := s.loadHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no parameter record", ErrUnreadable, path)
	}
	if err := h.Check(); err != nil {
		return nil, err
	}
	s.header = h
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s.idx, nil
}
