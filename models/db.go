package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the MySQL-backed Store.
type GormStore struct {
	DB     *sql.DB
	GormDB *gorm.DB
}

// OpenMySQL 打开连接池并初始化 GORM，随后自动建表
func OpenMySQL(dsn string, logger *zerolog.Logger) (*GormStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init gorm: %w", err)
	}
	if err := gdb.AutoMigrate(&Project{}, &Segment{}); err != nil {
		db.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	logger.Info().Msg("database connected (native sql + gorm)")
	return &GormStore{DB: db, GormDB: gdb}, nil
}

func (g *GormStore) Close() error {
	return g.DB.Close()
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return err
}

func (g *GormStore) SaveProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now()
	return g.GormDB.WithContext(ctx).Save(p).Error
}

func (g *GormStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := g.GormDB.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound("project", id, err)
	}
	return &p, nil
}

func (g *GormStore) DeleteProject(ctx context.Context, id string) error {
	return g.GormDB.WithContext(ctx).Delete(&Project{}, "id = ?", id).Error
}

func (g *GormStore) ListProjects(ctx context.Context) ([]*Project, error) {
	var res []*Project
	err := g.GormDB.WithContext(ctx).Order("created_at ASC").Find(&res).Error
	return res, err
}

func (g *GormStore) SaveSegment(ctx context.Context, s *Segment) error {
	s.UpdatedAt = time.Now()
	return g.GormDB.WithContext(ctx).Save(s).Error
}

// SaveSegments upserts a batch, as produced by plan application.
func (g *GormStore) SaveSegments(ctx context.Context, segments []*Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return g.GormDB.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&segments).Error
}

func (g *GormStore) GetSegment(ctx context.Context, id string) (*Segment, error) {
	var s Segment
	if err := g.GormDB.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound("segment", id, err)
	}
	return &s, nil
}

func (g *GormStore) ListSegments(ctx context.Context, projectID string) ([]*Segment, error) {
	var res []*Segment
	err := g.GormDB.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("seg_index ASC").
		Find(&res).Error
	return res, err
}

func (g *GormStore) DeleteSegments(ctx context.Context, projectID string) error {
	return g.GormDB.WithContext(ctx).Where("project_id = ?", projectID).Delete(&Segment{}).Error
}
