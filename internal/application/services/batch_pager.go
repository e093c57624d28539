package services

import (
	"context"
	"fmt"

	"github.com/opyter/cromqc/internal/domain/entities"
	"github.com/opyter/cromqc/internal/domain/repositories"
)

// Page is one chunk of staged rows and the offset it was read at
type Page struct {
	Offset int
	Rows   []*entities.StagedRow
}

// BatchPager walks the reading/image join of a tier in fixed-size chunks.
// The total is counted once; pages are produced until the offset reaches it.
// Coverage is exact only while the source tier is not written concurrently.
type BatchPager struct {
	repo      repositories.StagingRepository
	chunkSize int
	offset    int
	total     int
	counted   bool
}

// NewBatchPager creates a pager starting at startOffset
func NewBatchPager(repo repositories.StagingRepository, chunkSize, startOffset int) (*BatchPager, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if startOffset < 0 {
		return nil, fmt.Errorf("start offset must not be negative, got %d", startOffset)
	}
	return &BatchPager{repo: repo, chunkSize: chunkSize, offset: startOffset}, nil
}

// Total counts the joined rows on first use and returns the cached value after
func (p *BatchPager) Total(ctx context.Context) (int, error) {
	if p.counted {
		return p.total, nil
	}
	total, err := p.repo.CountJoined(ctx)
	if err != nil {
		return 0, err
	}
	p.total = total
	p.counted = true
	return total, nil
}

// Offset returns the offset of the next page
func (p *BatchPager) Offset() int {
	return p.offset
}

// ChunkSize returns the page size
func (p *BatchPager) ChunkSize() int {
	return p.chunkSize
}

// Next returns the next page, or nil once every row has been read.
// A failed fetch leaves the cursor where it was.
func (p *BatchPager) Next(ctx context.Context) (*Page, error) {
	total, err := p.Total(ctx)
	if err != nil {
		return nil, err
	}
	if p.offset >= total {
		return nil, nil
	}

	rows, err := p.repo.FetchChunk(ctx, p.offset, p.chunkSize)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	page := &Page{Offset: p.offset, Rows: rows}
	p.offset += len(rows)
	return page, nil
}
