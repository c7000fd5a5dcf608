package rag

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/xeipuuv/gojsonschema"
)

var recordSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"text":        map[string]any{"type": "string"},
		"description": map[string]any{"type": "string"},
		"source":      map[string]any{"type": "string"},
	},
}

var compiledRecordSchema = mustCompileSchema(recordSchema)

func mustCompileSchema(schema map[string]any) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("compile dataset schema: %v", err))
	}
	return s
}

// ReadDataset reads a JSONL dataset file. Each line is an object whose text
// comes from "text", falling back to "description"; rows without either are
// skipped. The source of every record is the file name.
func ReadDataset(path string) ([]Record, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.KindNotFound, "dataset", "%s does not exist", path)
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer file.Close()
	return decodeDataset(file, filepath.Base(path))
}

func decodeDataset(r io.Reader, source string) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 8*1024*1024)

	var records []Record
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		result, err := compiledRecordSchema.Validate(gojsonschema.NewStringLoader(line))
		if err != nil {
			return nil, apperr.InvalidInput("dataset", "%s line %d: invalid JSON: %v", source, lineNo, err)
		}
		if !result.Valid() {
			return nil, apperr.InvalidInput("dataset", "%s line %d: %s", source, lineNo, describeSchemaErrors(result.Errors()))
		}

		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, apperr.InvalidInput("dataset", "%s line %d: %v", source, lineNo, err)
		}
		text, _ := row["text"].(string)
		if strings.TrimSpace(text) == "" {
			text, _ = row["description"].(string)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		delete(row, "text")
		delete(row, "description")
		records = append(records, Record{Source: source, Text: text, Metadata: row})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return records, nil
}

func describeSchemaErrors(errs []gojsonschema.ResultError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}
