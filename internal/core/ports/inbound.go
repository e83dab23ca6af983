package ports

import (
	"context"

	"github.com/kirillkom/kb-retrieval-engine/internal/core/domain"
)

// Retriever is the engine's only inbound surface.
type Retriever interface {
	Retrieve(ctx context.Context, req domain.RetrievalRequest) (*domain.RetrievalOutcome, error)
}
