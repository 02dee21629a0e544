// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package helpers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-viper/mapstructure/v2"
)

var mapstructureUnmarshallerHookFuncs = []mapstructure.DecodeHookFunc{}

// RegisterMapstructureUnmarshallerHook registers a new decoder hook for
// mapstructure. This should only be done during init.
func RegisterMapstructureUnmarshallerHook(hook mapstructure.DecodeHookFunc) {
	mapstructureUnmarshallerHookFuncs = append(mapstructureUnmarshallerHookFuncs, hook)
}

// GetMapStructureDecoderConfig returns a decoder config for mapstructure
// with all registered hooks. Unknown keys are errors and names are matched
// with MapStructureMatchName.
func GetMapStructureDecoderConfig(config any, hooks ...mapstructure.DecodeHookFunc) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		Result:           config,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		MatchName:        MapStructureMatchName,
		DecodeHook: ProtectedDecodeHookFunc(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.ComposeDecodeHookFunc(hooks...),
				mapstructure.ComposeDecodeHookFunc(mapstructureUnmarshallerHookFuncs...),
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		),
	}
}

// ProtectedDecodeHookFunc wraps a DecodeHookFunc to recover and returns an
// error on panic.
func ProtectedDecodeHookFunc(hook mapstructure.DecodeHookFunc) mapstructure.DecodeHookFunc {
	return func(from, to reflect.Value) (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				v = nil
				err = fmt.Errorf("internal error while parsing: %s", r)
			}
		}()
		return mapstructure.DecodeHookExec(hook, from, to)
	}
}

// MapStructureMatchName tells if map key and field names are equal. Dashes
// in keys are ignored, so "chunk-size" matches ChunkSize.
func MapStructureMatchName(mapKey, fieldName string) bool {
	key := strings.ToLower(strings.ReplaceAll(mapKey, "-", ""))
	return key == strings.ToLower(fieldName)
}

// mapStringKey returns the key as a string. YAML may unmarshal keys to
// interfaces.
func mapStringKey(key reflect.Value) (string, bool) {
	key = ElemOrIdentity(key)
	if key.Kind() != reflect.String {
		return "", false
	}
	return key.String(), true
}

// DefaultValuesUnmarshallerHook fills the keys missing from a map decoded
// into Configuration with the non-zero values of the provided default
// configuration. This is useful for slices of configurations where each
// element should get defaults.
func DefaultValuesUnmarshallerHook[Configuration any](defaultConfiguration Configuration) mapstructure.DecodeHookFunc {
	return func(from, to reflect.Value) (any, error) {
		from = ElemOrIdentity(from)
		to = ElemOrIdentity(to)
		if to.Type() != reflect.TypeOf(defaultConfiguration) || from.Kind() != reflect.Map {
			return from.Interface(), nil
		}

		defaultV := reflect.ValueOf(defaultConfiguration)
		for i := range defaultV.NumField() {
			if defaultV.Field(i).IsZero() {
				continue
			}
			fieldName := defaultV.Type().Field(i).Name
			present := false
			for _, key := range from.MapKeys() {
				if keyStr, ok := mapStringKey(key); ok && MapStructureMatchName(keyStr, fieldName) {
					present = true
					break
				}
			}
			if !present {
				from.SetMapIndex(reflect.ValueOf(fieldName), defaultV.Field(i))
			}
		}
		return from.Interface(), nil
	}
}

// ParametrizedConfigurationUnmarshallerHook decodes a configuration
// parametrized by a "type" key. The outer configuration has a "Config" field
// receiving the inner configuration. innerConfigurationMap maps each type
// to a function providing its default inner configuration. Keys not
// matching a field of the outer configuration are moved to the inner one.
func ParametrizedConfigurationUnmarshallerHook[OuterConfiguration any, InnerConfiguration any](zeroOuterConfiguration OuterConfiguration, innerConfigurationMap map[string](func() InnerConfiguration)) mapstructure.DecodeHookFunc {
	return func(from, to reflect.Value) (any, error) {
		if to.Type() != reflect.TypeOf(zeroOuterConfiguration) {
			return from.Interface(), nil
		}
		if from.Kind() != reflect.Map {
			return nil, errors.New("configuration should be a map")
		}
		configField := to.FieldByName("Config")
		innerMap := reflect.MakeMap(reflect.TypeOf(gin.H{}))
		outerType := to.Type()

		var innerType string
	keys:
		for _, key := range from.MapKeys() {
			keyStr, ok := mapStringKey(key)
			if !ok {
				continue
			}
			switch strings.ToLower(keyStr) {
			case "type":
				typeV := ElemOrIdentity(from.MapIndex(key))
				if typeV.Kind() != reflect.String {
					return nil, fmt.Errorf("type should be a string not %s", typeV.Kind())
				}
				innerType = strings.ToLower(typeV.String())
				from.SetMapIndex(key, reflect.Value{})
			case "config":
				return nil, errors.New("configuration should not have a `config' key")
			default:
				for i := range outerType.NumField() {
					if MapStructureMatchName(keyStr, outerType.Field(i).Name) {
						continue keys
					}
				}
				innerMap.SetMapIndex(reflect.ValueOf(keyStr), from.MapIndex(key))
				from.SetMapIndex(key, reflect.Value{})
			}
		}
		from.SetMapIndex(reflect.ValueOf("config"), innerMap)

		// Without a type, keep the type of the current inner configuration.
		if innerType == "" && !configField.IsNil() {
			innerType = parametrizedTypeOf(configField.Elem().Type(), innerConfigurationMap)
		}
		if innerType == "" {
			return nil, errors.New("configuration has no type")
		}
		newInner, ok := innerConfigurationMap[innerType]
		if !ok {
			return nil, fmt.Errorf("%q is not a known type", innerType)
		}

		defaultV := newInner()
		original := reflect.Indirect(reflect.ValueOf(defaultV))
		if !configField.IsNil() && configField.Elem().Type() == reflect.TypeOf(defaultV) {
			original = reflect.Indirect(configField.Elem())
		}
		copied := reflect.New(original.Type())
		copied.Elem().Set(original)
		configField.Set(copied)

		return from.Interface(), nil
	}
}

// parametrizedTypeOf returns the name of the inner configuration type t,
// or an empty string if it is unknown.
func parametrizedTypeOf[InnerConfiguration any](t reflect.Type, innerConfigurationMap map[string](func() InnerConfiguration)) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	for name, newInner := range innerConfigurationMap {
		typeOf := reflect.TypeOf(newInner())
		if typeOf.Kind() == reflect.Pointer {
			typeOf = typeOf.Elem()
		}
		if typeOf == t {
			return name
		}
	}
	return ""
}

// ParametrizedConfigurationMarshalYAML undoes
// ParametrizedConfigurationUnmarshallerHook(): the inner configuration is
// flattened into the outer one with a "type" key.
func ParametrizedConfigurationMarshalYAML[OuterConfiguration any, InnerConfiguration any](oc OuterConfiguration, innerConfigurationMap map[string](func() InnerConfiguration)) (any, error) {
	outer := ElemOrIdentity(reflect.ValueOf(oc))
	result := gin.H{}
	var inner reflect.Value
	for i, field := range reflect.VisibleFields(outer.Type()) {
		if field.Name == "Config" {
			inner = reflect.Indirect(outer.Field(i).Elem())
			continue
		}
		result[strings.ToLower(field.Name)] = outer.Field(i).Interface()
	}
	if !inner.IsValid() {
		return nil, errors.New("configuration has no inner configuration")
	}
	innerType := parametrizedTypeOf(inner.Type(), innerConfigurationMap)
	if innerType == "" {
		return nil, errors.New("unable to guess configuration type")
	}
	result["type"] = innerType
	for i, field := range reflect.VisibleFields(inner.Type()) {
		result[strings.ToLower(field.Name)] = inner.Field(i).Interface()
	}
	return result, nil
}
