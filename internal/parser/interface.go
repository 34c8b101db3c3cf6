// internal/parser/interface.go
package parser

import (
	"context"

	"github.com/quant-research/md-collector/internal/marketdata"
	"github.com/quant-research/md-collector/pkg/bybit"
)

// RowWriter принимает готовые строки. Реализуется Row Buffer'ом.
type RowWriter interface {
	Append(key marketdata.Key, row marketdata.Row)
}

// Parser определяет контракт на разбор data-кадров потока.
type Parser interface {
	// Process разбирает один кадр и кладёт полученные строки в RowWriter.
	// Возвращает число добавленных строк. Некорректные кадры пропускаются
	// с предупреждением и не прерывают поток.
	Process(ctx context.Context, f *bybit.Frame) int
}
