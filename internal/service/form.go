package service

import (
	"context"
	"fmt"
	"time"

	"formflow/internal/model"
	"formflow/internal/schema"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// LoadedForm is a stored form with its parsed schema
type LoadedForm struct {
	model.Form
	Schema *schema.Schema `json:"schema"`
}

type FormService struct {
	store    FormStore
	compiler *schema.Compiler
	cache    *expirable.LRU[string, *LoadedForm]
	log      *zap.Logger
}

func NewFormService(store FormStore, compiler *schema.Compiler, cacheSize int, log *zap.Logger) *FormService {
	return &FormService{
		store:    store,
		compiler: compiler,
		cache:    expirable.NewLRU[string, *LoadedForm](cacheSize, nil, 10*time.Minute),
		log:      log,
	}
}

// CreateForm parses and stores a schema document
func (s *FormService) CreateForm(ctx context.Context, raw []byte) (*LoadedForm, error) {
	parsed, err := schema.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if _, err := s.compiler.Prepare(ctx, parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	f, err := s.store.CreateForm(ctx, model.Form{
		ID:     ulid.Make().String(),
		Title:  parsed.Title,
		Schema: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create form: %w", err)
	}

	loaded := &LoadedForm{Form: f, Schema: parsed}
	s.cache.Add(f.ID, loaded)
	s.log.Info("Form created", zap.String("form_id", f.ID), zap.String("title", f.Title))
	return loaded, nil
}

// GetForm returns a form with its parsed schema. Schemas are immutable once
// stored, so parsed forms are cached.
func (s *FormService) GetForm(ctx context.Context, id string) (*LoadedForm, error) {
	if f, ok := s.cache.Get(id); ok {
		return f, nil
	}

	f, err := s.store.GetForm(ctx, id)
	if err != nil {
		return nil, err
	}
	parsed, err := schema.Parse(f.Schema)
	if err != nil {
		return nil, fmt.Errorf("stored form %s has an invalid schema: %w", id, err)
	}

	loaded := &LoadedForm{Form: f, Schema: parsed}
	s.cache.Add(id, loaded)
	return loaded, nil
}
