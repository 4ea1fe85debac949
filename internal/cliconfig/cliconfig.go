// Package cliconfig implements AtlasNet's environment-variable config
// loader, used by every binary's Config type (spec.md §6 "CLI surface").
//
// Grounded on github.com/r2northstar/atlas's pkg/atlas.Config.UnmarshalEnv:
// a reflection-driven pass over struct fields tagged `env:"NAME=default"`
// (or `env:"NAME?=default"` to allow explicitly setting an empty value),
// generalized to the smaller set of field types AtlasNet's binaries need.
package cliconfig

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// UnmarshalEnv populates cfg (a pointer to a struct whose fields carry
// `env:"NAME=default"` tags) from the environment key/value pairs in es
// (each of the form "KEY=VALUE", as returned by os.Environ or parsed from
// an env file).
func UnmarshalEnv(cfg interface{}, es []string) error {
	em := make(map[string]string, len(es))
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(cfg).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		cvf := cv.FieldByName(ctf.Name)
		if err := setField(cvf, val); err != nil {
			return fmt.Errorf("env %s (%s): %w", key, cvf.Type(), err)
		}
	}

	for key, val := range em {
		if val != "" && strings.HasPrefix(key, "ATLASNET_") {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

func setField(cvf reflect.Value, val string) error {
	switch cvf.Interface().(type) {
	case string:
		cvf.SetString(val)
	case int, int8, int16, int32, int64:
		if val == "" {
			cvf.SetInt(0)
			return nil
		}
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		cvf.SetInt(v)
	case uint, uint8, uint16, uint32, uint64:
		if val == "" {
			cvf.SetUint(0)
			return nil
		}
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		cvf.SetUint(v)
	case float32, float64:
		if val == "" {
			cvf.SetFloat(0)
			return nil
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		cvf.SetFloat(v)
	case bool:
		if val == "" {
			cvf.SetBool(false)
			return nil
		}
		v, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		cvf.SetBool(v)
	case []string:
		if val == "" {
			cvf.Set(reflect.ValueOf([]string{}))
		} else {
			cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
		}
	case zerolog.Level:
		v, err := zerolog.ParseLevel(val)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	case time.Duration:
		if val == "" {
			cvf.Set(reflect.ValueOf(time.Duration(0)))
			return nil
		}
		v, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parse %q: %w", val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	case netip.AddrPort:
		if val == "" {
			cvf.Set(reflect.ValueOf(netip.AddrPort{}))
			return nil
		}
		v, err := netip.ParseAddrPort(val)
		if err != nil {
			if val[0] == ':' {
				if v2, err2 := netip.ParseAddrPort("[::]" + val); err2 == nil {
					cvf.Set(reflect.ValueOf(v2))
					return nil
				}
			}
			return fmt.Errorf("parse %q: %w", val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	default:
		return fmt.Errorf("unhandled config field type %s", cvf.Type())
	}
	return nil
}
