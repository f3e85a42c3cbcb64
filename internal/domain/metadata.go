package domain

import (
	"fmt"
	"maps"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// Metadata — свободный JSON-объект, который провайдеры прикладывают к платежу.
// Типизированные поля платежа в него не дублируются.
type Metadata map[string]any

// NormalizeMetadata приводит значения к JSON-представимому виду через structpb.
// Значения, которые нельзя сериализовать (каналы, функции, NaN, ±Inf), дают ErrMetadataInvalid.
func NormalizeMetadata(in map[string]any) (Metadata, error) {
	if len(in) == 0 {
		return Metadata{}, nil
	}
	st, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}
	for key, v := range st.GetFields() {
		if err := checkFinite(key, v); err != nil {
			return nil, err
		}
	}
	return st.AsMap(), nil
}

// checkFinite обходит значение: structpb пропускает NaN и ±Inf, JSON их не допускает.
func checkFinite(path string, v *structpb.Value) error {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if math.IsNaN(kind.NumberValue) || math.IsInf(kind.NumberValue, 0) {
			return fmt.Errorf("%w: %s: non-finite number", ErrMetadataInvalid, path)
		}
	case *structpb.Value_StructValue:
		for key, child := range kind.StructValue.GetFields() {
			if err := checkFinite(path+"."+key, child); err != nil {
				return err
			}
		}
	case *structpb.Value_ListValue:
		for i, child := range kind.ListValue.GetValues() {
			if err := checkFinite(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	}
	return nil
}

// MergeMetadata сливает patch поверх base: одноимённые ключи перезаписываются.
// base не изменяется.
func MergeMetadata(base Metadata, patch map[string]any) (Metadata, error) {
	normalized, err := NormalizeMetadata(patch)
	if err != nil {
		return nil, err
	}
	out := make(Metadata, len(base)+len(normalized))
	maps.Copy(out, base)
	maps.Copy(out, normalized)
	return out, nil
}

// Clone возвращает поверхностную копию.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
