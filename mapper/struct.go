package mapper

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dan-strohschein/clusterbatch/model"
)

// Struct fields map to bins by the `bin` tag, or by field name when untagged.
// A tag of "-" skips the field. The `meta` tag binds record metadata:
//
//	type User struct {
//		Name  string    `bin:"name"`
//		Age   int       `bin:"age"`
//		Seen  time.Time `bin:"seen"`
//		Gen   uint32    `meta:"generation"`
//		TTL   uint32    `meta:"expiration"`
//		cache string
//	}
const (
	binTag  = "bin"
	metaTag = "meta"

	metaGeneration = "generation"
	metaExpiration = "expiration"
)

var timeType = reflect.TypeOf(time.Time{})

type field struct {
	index []int
	bin   string
	meta  string
}

type structInfo struct {
	fields []field
	bins   []string
}

var structCache sync.Map // reflect.Type -> *structInfo

func structOf(obj interface{}) (reflect.Value, *structInfo, error) {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, nil, errors.Errorf("mapper: need a non-nil struct pointer, got %T", obj)
	}
	v = v.Elem()

	if info, ok := structCache.Load(v.Type()); ok {
		return v, info.(*structInfo), nil
	}
	info := inspect(v.Type())
	structCache.Store(v.Type(), info)
	return v, info, nil
}

func inspect(t reflect.Type) *structInfo {
	info := &structInfo{}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if meta := sf.Tag.Get(metaTag); meta != "" {
			info.fields = append(info.fields, field{index: sf.Index, meta: meta})
			continue
		}
		name := sf.Tag.Get(binTag)
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		info.fields = append(info.fields, field{index: sf.Index, bin: name})
		info.bins = append(info.bins, name)
	}
	return info
}

// BinNames returns the bins obj's struct type reads, in field order.
func BinNames(obj interface{}) ([]string, error) {
	_, info, err := structOf(obj)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), info.bins...), nil
}

// Decode copies rec's bins and metadata into the struct obj points to. Bins
// absent from rec leave their fields untouched.
func Decode(rec *model.Record, obj interface{}) error {
	if rec == nil {
		return errors.New("mapper: nil record")
	}
	v, info, err := structOf(obj)
	if err != nil {
		return err
	}

	for _, f := range info.fields {
		dst := v.FieldByIndex(f.index)
		switch f.meta {
		case metaGeneration:
			if err := set(dst, int64(rec.Generation)); err != nil {
				return errors.Wrap(err, "mapper: generation")
			}
			continue
		case metaExpiration:
			if err := set(dst, int64(rec.Expiration)); err != nil {
				return errors.Wrap(err, "mapper: expiration")
			}
			continue
		case "":
		default:
			return errors.Errorf("mapper: unknown meta field %q", f.meta)
		}

		value, ok := rec.Bins[f.bin]
		if !ok {
			continue
		}
		if err := set(dst, value); err != nil {
			return errors.Wrapf(err, "mapper: bin %q", f.bin)
		}
	}
	return nil
}

func set(dst reflect.Value, value interface{}) error {
	if value == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	if dst.Type() == timeType {
		t, err := ToDateTime(value)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		dst.SetString(ToString(value))
	case reflect.Bool:
		b, err := ToBool(value)
		if err != nil {
			return err
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := ToInt(value)
		if err != nil {
			return err
		}
		if dst.OverflowInt(i) {
			return fmt.Errorf("%d overflows %s", i, dst.Type())
		}
		dst.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		i, err := ToInt(value)
		if err != nil {
			return err
		}
		if i < 0 || dst.OverflowUint(uint64(i)) {
			return fmt.Errorf("%d overflows %s", i, dst.Type())
		}
		dst.SetUint(uint64(i))
	case reflect.Float32, reflect.Float64:
		f, err := ToFloat(value)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
	case reflect.Slice:
		if dst.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("unsupported field type %s", dst.Type())
		}
		b, err := ToBytes(value)
		if err != nil {
			return err
		}
		dst.SetBytes(b)
	case reflect.Interface:
		rv := reflect.ValueOf(value)
		if !rv.Type().AssignableTo(dst.Type()) {
			return fmt.Errorf("cannot assign %T to %s", value, dst.Type())
		}
		dst.Set(rv)
	default:
		return fmt.Errorf("unsupported field type %s", dst.Type())
	}
	return nil
}
