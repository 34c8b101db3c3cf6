// internal/sink/file.go
package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/quant-research/md-collector/internal/marketdata"
)

// fileHandle — один открытый файл вывода: os.File → gzip → csv.
//
// Файл открывается в режиме append: после перезапуска или ротации
// дозапись начинает новый gzip-member, читатели обрабатывают
// multi-member файлы прозрачно. Заголовок пишется только один раз,
// при создании файла.
type fileHandle struct {
	key  marketdata.Key
	path string

	f   *os.File
	gz  *gzip.Writer
	csv *csv.Writer
}

func openFile(outputDir string, key marketdata.Key) (*fileHandle, error) {
	path := filepath.Join(outputDir, key.RelPath())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sink: mkdir %s: %w", filepath.Dir(path), err)
	}

	// Состояние проверяется до открытия: O_CREATE создаст файл, а
	// заголовок нужен и для существующего, но пустого файла.
	writeHeader := true
	if fi, err := os.Stat(path); err == nil {
		writeHeader = fi.Size() == 0
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("sink: stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}

	gz := gzip.NewWriter(f)
	h := &fileHandle{
		key:  key,
		path: path,
		f:    f,
		gz:   gz,
		csv:  csv.NewWriter(gz),
	}

	if writeHeader {
		if err := h.csv.Write(marketdata.Columns(key.Stream)); err != nil {
			_ = h.close()
			return nil, fmt.Errorf("sink: write header %s: %w", path, err)
		}
	}
	return h, nil
}

// writeRows дописывает строки и проталкивает их через csv и gzip,
// чтобы ограничить потерю данных при падении процесса.
func (h *fileHandle) writeRows(rows []marketdata.Row) error {
	for _, r := range rows {
		if err := h.csv.Write(r.Record()); err != nil {
			return fmt.Errorf("sink: write %s: %w", h.path, err)
		}
	}
	h.csv.Flush()
	if err := h.csv.Error(); err != nil {
		return fmt.Errorf("sink: flush csv %s: %w", h.path, err)
	}
	if err := h.gz.Flush(); err != nil {
		return fmt.Errorf("sink: flush gzip %s: %w", h.path, err)
	}
	return nil
}

// close завершает gzip-member и закрывает файл. Ошибки собираются
// со всех уровней: незакрытый member делает хвост нечитаемым.
func (h *fileHandle) close() error {
	h.csv.Flush()
	errCSV := h.csv.Error()
	errGZ := h.gz.Close()
	errF := h.f.Close()
	return errors.Join(errCSV, errGZ, errF)
}
