package dbusx

import (
	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"

	"github.com/smartblinds/bt2mqtt/internal/errorkinds"
)

// Kind tags the wire type of a Value.
type Kind uint8

const (
	KindString Kind = iota
	KindInt16
	KindUint16
	KindBoolean
	KindDict
)

// Value is a typed property or argument value. The mapping from Kind to a
// D-Bus signature is localized here so no other package handles signature
// codes.
type Value struct {
	kind Kind
	v    any
}

// StringValue returns a string-typed value.
func StringValue(s string) Value { return Value{kind: KindString, v: s} }

// Int16Value returns an int16-typed value.
func Int16Value(n int16) Value { return Value{kind: KindInt16, v: n} }

// Uint16Value returns a uint16-typed value.
func Uint16Value(n uint16) Value { return Value{kind: KindUint16, v: n} }

// BooleanValue returns a boolean-typed value.
func BooleanValue(b bool) Value { return Value{kind: KindBoolean, v: b} }

// DictValue returns a string-keyed dictionary value.
func DictValue(entries map[string]Value) Value { return Value{kind: KindDict, v: entries} }

// Kind returns the type tag of the value.
func (v Value) Kind() Kind { return v.kind }

// Variant converts the value to its wire representation.
func (v Value) Variant() (dbus.Variant, error) {
	switch v.kind {
	case KindString:
		return dbus.MakeVariantWithSignature(v.v, dbus.ParseSignatureMust("s")), nil

	case KindInt16:
		return dbus.MakeVariantWithSignature(v.v, dbus.ParseSignatureMust("n")), nil

	case KindUint16:
		return dbus.MakeVariantWithSignature(v.v, dbus.ParseSignatureMust("q")), nil

	case KindBoolean:
		return dbus.MakeVariantWithSignature(v.v, dbus.ParseSignatureMust("b")), nil

	case KindDict:
		entries, ok := v.v.(map[string]Value)
		if !ok {
			break
		}

		dict := make(map[string]dbus.Variant, len(entries))
		for key, entry := range entries {
			variant, err := entry.Variant()
			if err != nil {
				return dbus.Variant{}, err
			}
			dict[key] = variant
		}

		return dbus.MakeVariantWithSignature(dict, dbus.ParseSignatureMust("a{sv}")), nil
	}

	return dbus.Variant{}, fault.Wrap(errorkinds.ErrInvalidInput,
		ftag.With(ftag.InvalidArgument),
		fmsg.With("The value carries an unknown type tag"),
	)
}
