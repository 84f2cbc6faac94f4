package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/shouni/go-crawl-dash/pkg/types"
)

const (
	// DefaultMaxConcurrency は、同時に実行する取得の最大数のデフォルト値です。
	DefaultMaxConcurrency = 6
)

// Getter はIDを指定してレコードを1件取得します。*api.Client が満たします。
type Getter interface {
	GetURL(ctx context.Context, id uint) (*types.URLRecord, error)
}

// Result は1件分の取得結果です。
type Result struct {
	ID     uint
	Record *types.URLRecord
	Err    error
}

// Fetcher は複数のレコードを並列に取得します。
type Fetcher struct {
	getter         Getter
	maxConcurrency int // 最大並列数
}

// NewFetcher は Fetcher を初期化します。maxConcurrency が0以下ならデフォルト値を使います。
func NewFetcher(getter Getter, maxConcurrency int) *Fetcher {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Fetcher{
		getter:         getter,
		maxConcurrency: maxConcurrency,
	}
}

// GetMany は ids のレコードを並列に取得し、ids と同じ順序で結果を返します。
// 個々の失敗は Result.Err に入り、他の取得は続行します。
func (f *Fetcher) GetMany(ctx context.Context, ids []uint) []Result {
	results := make([]Result, len(ids))
	var wg sync.WaitGroup

	// バッファ付きチャネルをセマフォとして使用し、同時実行数を制限する
	semaphore := make(chan struct{}, f.maxConcurrency)

	for i, id := range ids {
		results[i].ID = id

		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			results[i].Err = ctx.Err()
			continue
		}

		wg.Add(1)
		go func(i int, id uint) {
			defer wg.Done()
			defer func() { <-semaphore }()

			rec, err := f.getter.GetURL(ctx, id)
			if err != nil {
				results[i].Err = fmt.Errorf("ID %d の取得に失敗しました: %w", id, err)
				return
			}
			results[i].Record = rec
		}(i, id)
	}

	wg.Wait()
	return results
}
