package tenant

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

// Resolver hands out the connection owning a company's data.
type Resolver interface {
	Resolve(ctx context.Context, companyID snowflake.ID) (Conn, error)
}

// Router looks companies up in the primary database and routes to their shard.
type Router struct {
	db  *gorm.DB
	log *zap.Logger

	mu     sync.RWMutex
	shards map[snowflake.ID]string
}

func NewRouter(db *gorm.DB, log *zap.Logger) *Router {
	return &Router{
		db:     db,
		log:    log.Named("tenant.router"),
		shards: make(map[snowflake.ID]string),
	}
}

func (r *Router) Resolve(ctx context.Context, companyID snowflake.ID) (Conn, error) {
	if companyID == 0 {
		return Conn{}, ErrInvalidCompany
	}

	shard, err := r.shardFor(ctx, companyID)
	if err != nil {
		return Conn{}, err
	}

	db := r.db
	if shard != "" {
		db = r.db.Clauses(dbresolver.Use(shard), dbresolver.Write).Session(&gorm.Session{})
	}
	return Conn{
		CompanyID: companyID,
		DB:        db,
		rls:       r.db.Dialector.Name() == "postgres",
	}, nil
}

// Sources returns one handle per distinct database holding tenant rows, primary first.
func (r *Router) Sources(ctx context.Context) ([]*gorm.DB, error) {
	var names []string
	if err := r.db.WithContext(ctx).
		Model(&Company{}).
		Where("shard <> ''").
		Distinct("shard").
		Order("shard ASC").
		Pluck("shard", &names).Error; err != nil {
		return nil, err
	}

	sources := []*gorm.DB{r.db}
	for _, name := range names {
		sources = append(sources, r.db.Clauses(dbresolver.Use(name), dbresolver.Write).Session(&gorm.Session{}))
	}
	return sources, nil
}

func (r *Router) shardFor(ctx context.Context, companyID snowflake.ID) (string, error) {
	r.mu.RLock()
	shard, ok := r.shards[companyID]
	r.mu.RUnlock()
	if ok {
		return shard, nil
	}

	var company Company
	err := r.db.WithContext(ctx).
		Select("id", "shard").
		Where("id = ?", companyID).
		First(&company).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrCompanyNotFound
		}
		return "", err
	}

	shard = strings.TrimSpace(company.Shard)
	r.mu.Lock()
	r.shards[companyID] = shard
	r.mu.Unlock()

	r.log.Debug("company routed", zap.String("company_id", companyID.String()), zap.String("shard", shard))
	return shard, nil
}
