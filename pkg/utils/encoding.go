// This file implements size estimation for memory accounting and atomic JSON
// file persistence.
//
// Design Notes:
//   - EstimateJSONSize measures the encoded form; it never fails, callers get
//     a fallback size instead
//   - ApproxSize walks the value without allocating an encoding, for callers
//     that store large values and can accept an estimate
//   - WriteJSONAtomic writes to a temp file in the target directory and renames
//     it, so readers never observe a partially written file
//
// Trade-offs:
//   - JSON sizing: exact for what the disk tier stores, O(n) allocation per put
//   - ApproxSize: no allocation, under-counts map and interface overhead
package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/smartpaste/smartpaste/pkg/models"
)

// EstimateJSONSize returns the JSON encoded length of v, or
// models.DefaultFallbackSize when v cannot be encoded.
func EstimateJSONSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return models.DefaultFallbackSize
	}
	return len(data)
}

// ApproxSize estimates the in-memory payload size of v by walking it.
// Unsupported kinds (funcs, channels) count as models.DefaultFallbackSize.
func ApproxSize(v any) int {
	if v == nil {
		return 4
	}
	return approxSize(reflect.ValueOf(v), 0)
}

const maxSizeDepth = 32

func approxSize(v reflect.Value, depth int) int {
	if depth > maxSizeDepth {
		return models.DefaultFallbackSize
	}

	switch v.Kind() {
	case reflect.Invalid:
		return 4
	case reflect.Bool:
		return 4
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return 8
	case reflect.Complex64, reflect.Complex128:
		return 16
	case reflect.String:
		return v.Len() + 2
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return 4
		}
		return approxSize(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Len()
		}
		total := 2
		for i := 0; i < v.Len(); i++ {
			total += approxSize(v.Index(i), depth+1) + 1
		}
		return total
	case reflect.Map:
		total := 2
		iter := v.MapRange()
		for iter.Next() {
			total += approxSize(iter.Key(), depth+1) + approxSize(iter.Value(), depth+1) + 2
		}
		return total
	case reflect.Struct:
		total := 2
		for i := 0; i < v.NumField(); i++ {
			total += approxSize(v.Field(i), depth+1)
		}
		return total
	default:
		return models.DefaultFallbackSize
	}
}

// WriteJSONAtomic encodes v with indentation and atomically replaces path.
// Parent directories are created as needed.
func WriteJSONAtomic(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return nil
}

// ReadJSON decodes the file at path into v. Empty files are an error.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("cannot unmarshal empty file %s", filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
