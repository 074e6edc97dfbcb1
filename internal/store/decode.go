package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/llm-factory/internal/model"
)

// envelope is one line of the JSONL output log.
type envelope struct {
	BatchID   string      `json:"batch_id"`
	Index     int         `json:"index"`
	Task      string      `json:"task,omitempty"`
	WrittenAt string      `json:"written_at"`
	Records   []model.Row `json:"records"`
}

// readRows decodes every row in r. It accepts a JSON array, several JSON
// arrays written back to back, JSON Lines of objects, and batch envelope
// lines. With lenient set, undecodable lines are logged and skipped instead
// of failing, which is how a torn trailing write is tolerated.
func readRows(r io.Reader, lenient bool, fn func(model.Row) error) error {
	br := bufio.NewReader(r)

	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "store: read")
	}

	if first == '[' {
		return readArrays(br, lenient, fn)
	}
	return readLines(br, lenient, fn)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !isSpace(b) {
			return b, br.UnreadByte()
		}
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// readArrays streams concatenated JSON arrays, the legacy multi-block format.
// With lenient set, a decode error switches to line-wise reading from the end
// of the last good block, so envelope lines appended after the legacy blocks
// survive a torn line between them.
func readArrays(r io.Reader, lenient bool, fn func(model.Row) error) error {
	rec := &recorder{r: r}
	dec := json.NewDecoder(rec)
	for block := 0; ; block++ {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if !lenient {
				return eris.Wrapf(model.ErrMalformedInput, "store: block %d: %v", block, err)
			}
			zap.L().Warn("store: undecodable block, reading the rest line by line",
				zap.Int("block", block),
				zap.Error(err),
			)
			return readLines(bufio.NewReader(rec.rest()), lenient, fn)
		}
		rec.mark(dec.InputOffset())
		if err := emitValue(raw, fn); err != nil {
			if lenient && eris.Is(err, model.ErrMalformedInput) {
				zap.L().Warn("store: skipping malformed block", zap.Int("block", block), zap.Error(err))
				continue
			}
			return err
		}
	}
}

// recorder keeps what was read from r since the last mark, so reading can
// resume from there after the decoder fails.
type recorder struct {
	r    io.Reader
	buf  []byte
	base int64
}

func (rc *recorder) Read(p []byte) (int, error) {
	n, err := rc.r.Read(p)
	rc.buf = append(rc.buf, p[:n]...)
	return n, err
}

// mark drops the bytes before input offset off.
func (rc *recorder) mark(off int64) {
	drop := int(off - rc.base)
	rc.buf = append(rc.buf[:0], rc.buf[drop:]...)
	rc.base = off
}

// rest returns the input from the last mark on.
func (rc *recorder) rest() io.Reader {
	return io.MultiReader(bytes.NewReader(rc.buf), rc.r)
}

// readLines reads one JSON value per line.
func readLines(br *bufio.Reader, lenient bool, fn func(model.Row) error) error {
	for lineNo := 1; ; lineNo++ {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return eris.Wrap(readErr, "store: read line")
		}

		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if err := emitValue(line, fn); err != nil {
				if !eris.Is(err, model.ErrMalformedInput) {
					return err
				}
				if !lenient {
					return eris.Wrapf(err, "store: line %d", lineNo)
				}
				zap.L().Warn("store: skipping undecodable line", zap.Int("line", lineNo), zap.Error(err))
			}
		}

		if readErr == io.EOF {
			return nil
		}
	}
}

// emitValue expands one decoded JSON value into rows. Errors caused by the
// data wrap model.ErrMalformedInput; errors from fn are returned as is.
func emitValue(raw []byte, fn func(model.Row) error) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return eris.Wrapf(model.ErrMalformedInput, "decode array: %v", err)
		}
		for _, item := range items {
			if err := emitValue(item, fn); err != nil {
				return err
			}
		}
		return nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return eris.Wrapf(model.ErrMalformedInput, "decode object: %v", err)
		}
		if _, isEnvelope := obj["batch_id"]; isEnvelope {
			if _, ok := obj["records"]; ok {
				var env envelope
				if err := json.Unmarshal(raw, &env); err != nil {
					return eris.Wrapf(model.ErrMalformedInput, "decode batch: %v", err)
				}
				for _, row := range env.Records {
					if err := fn(row); err != nil {
						return err
					}
				}
				return nil
			}
		}
		var row model.Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return eris.Wrapf(model.ErrMalformedInput, "decode row: %v", err)
		}
		return fn(row)
	default:
		return eris.Wrapf(model.ErrMalformedInput, "unexpected JSON value starting with %q", raw[0])
	}
}
