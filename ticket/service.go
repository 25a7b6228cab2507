package ticket

import "context"

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, sourceRequestID string) ([]Record, error) {
	return s.repo.List(ctx, sourceRequestID)
}

func (s *Service) Resolve(ctx context.Context, id string) (Record, error) {
	return s.repo.Resolve(ctx, id)
}
