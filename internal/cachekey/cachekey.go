// Package cachekey derives the normalized cache key used to reuse completed
// enhancement work across semantically identical requests.
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"enhancer/internal/domain"
)

const version = "v1"

// Input carries every field that influences the enhancement output.
type Input struct {
	InputHash   string
	Masks       []domain.Mask
	Calibration json.RawMessage
	Options     json.RawMessage
	Provider    string
	Model       string
}

type canonicalMask struct {
	ID       string       `json:"id"`
	Points   [][2]float64 `json:"points"`
	Material string       `json:"materialId"`
	Settings any          `json:"materialSettings"`
}

type canonicalInput struct {
	InputHash   string          `json:"inputHash"`
	Masks       []canonicalMask `json:"masks"`
	Calibration any             `json:"calibration"`
	Options     any             `json:"options"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
}

// Generate returns a stable key for in. Mask order, object key order and
// omitted-versus-null optional fields do not change the result.
func Generate(in Input) (string, error) {
	calibration, err := canonicalRaw(in.Calibration)
	if err != nil {
		return "", fmt.Errorf("cachekey: calibration: %w", err)
	}
	options, err := canonicalRaw(in.Options)
	if err != nil {
		return "", fmt.Errorf("cachekey: options: %w", err)
	}
	masks, err := canonicalMasks(in.Masks)
	if err != nil {
		return "", err
	}
	doc := canonicalInput{
		InputHash:   strings.ToLower(strings.TrimSpace(in.InputHash)),
		Masks:       masks,
		Calibration: calibration,
		Options:     options,
		Provider:    strings.ToLower(strings.TrimSpace(in.Provider)),
		Model:       strings.ToLower(strings.TrimSpace(in.Model)),
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("cachekey: encode: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return version + ":" + hex.EncodeToString(sum[:]), nil
}

func canonicalMasks(masks []domain.Mask) ([]canonicalMask, error) {
	if len(masks) == 0 {
		return nil, nil
	}
	out := make([]canonicalMask, 0, len(masks))
	for _, m := range masks {
		points := make([][2]float64, 0, len(m.Points))
		for _, p := range m.Points {
			points = append(points, [2]float64{p.X, p.Y})
		}
		var settings any
		if len(m.MaterialSettings) > 0 {
			settings = canonicalValue(map[string]any(m.MaterialSettings))
		}
		out = append(out, canonicalMask{
			ID:       norm.NFC.String(strings.TrimSpace(m.ID)),
			Points:   points,
			Material: norm.NFC.String(strings.TrimSpace(m.MaterialID)),
			Settings: settings,
		})
	}
	// Ties on id fall back to the full encoding so duplicates still order deterministically.
	encoded := make([][]byte, len(out))
	for i := range out {
		b, err := json.Marshal(out[i])
		if err != nil {
			return nil, fmt.Errorf("cachekey: mask %q: %w", out[i].ID, err)
		}
		encoded[i] = b
	}
	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if out[ia].ID != out[ib].ID {
			return out[ia].ID < out[ib].ID
		}
		return bytes.Compare(encoded[ia], encoded[ib]) < 0
	})
	sorted := make([]canonicalMask, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted, nil
}

func canonicalRaw(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, err
	}
	return canonicalValue(v), nil
}

// canonicalValue drops null members and empty objects so that an omitted
// field and an explicit null encode identically. encoding/json already
// sorts map keys.
func canonicalValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			c := canonicalValue(val)
			if c == nil {
				continue
			}
			out[norm.NFC.String(k)] = c
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalValue(val)
		}
		return out
	case string:
		return norm.NFC.String(t)
	default:
		return t
	}
}
